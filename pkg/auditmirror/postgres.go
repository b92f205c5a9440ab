// Package auditmirror is an optional forensic mirror for events the rest
// of a trust-fabric node already treats as authoritative in its own
// storage: ledger corruption detections, gospel revocation certificates,
// and admission kernel decisions. It is never on the hot path of any
// operation — every write here is best-effort logging for compliance and
// incident review, not a source of truth.
package auditmirror

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresMirror writes audit records to a Postgres database over a
// pooled connection.
type PostgresMirror struct {
	db     *sql.DB
	logger *log.Logger
}

// PostgresOption configures a PostgresMirror.
type PostgresOption func(*PostgresMirror)

// WithLogger overrides the mirror's logger.
func WithLogger(logger *log.Logger) PostgresOption {
	return func(m *PostgresMirror) { m.logger = logger }
}

// NewPostgresMirror opens a pooled connection to databaseURL and runs any
// pending migrations. An empty databaseURL is rejected — callers decide
// whether the audit mirror is enabled before constructing one.
func NewPostgresMirror(databaseURL string, opts ...PostgresOption) (*PostgresMirror, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	m := &PostgresMirror{
		logger: log.New(log.Writer(), "[AuditMirror] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit mirror database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	m.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit mirror database: %w", err)
	}

	if err := m.migrateUp(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// Close releases the underlying connection pool.
func (m *PostgresMirror) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// RecordLedgerCorruption mirrors a C4 startup-continuity failure for
// forensic review.
func (m *PostgresMirror) RecordLedgerCorruption(ctx context.Context, deviceID string, sequence uint64, detail string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO ledger_corruption_events (device_id, sequence, detail) VALUES ($1, $2, $3)`,
		deviceID, sequence, detail)
	if err != nil {
		m.logger.Printf("failed to record ledger corruption for device %s: %v", deviceID, err)
	}
	return err
}

// RecordRevocation mirrors a C9 accepted revocation certificate.
func (m *PostgresMirror) RecordRevocation(ctx context.Context, nodeID, reason, authorityID string, revokedAt uint64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO revocation_records (node_id, reason, authority_id, revoked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id) DO NOTHING`,
		nodeID, reason, authorityID, revokedAt)
	if err != nil {
		m.logger.Printf("failed to record revocation for node %s: %v", nodeID, err)
	}
	return err
}

// RecordAdmissionDecision mirrors a C10 admission outcome, accepted or
// rejected, for audit trail purposes.
func (m *PostgresMirror) RecordAdmissionDecision(ctx context.Context, commandID, deviceID, scope string, accepted bool, reason string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO admission_audit_entries (command_id, device_id, scope, accepted, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		commandID, deviceID, scope, accepted, reason)
	if err != nil {
		m.logger.Printf("failed to record admission decision for command %s: %v", commandID, err)
	}
	return err
}

type migration struct {
	version string
	sql     string
}

func (m *PostgresMirror) migrateUp(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load audit mirror migrations: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("failed to read applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, mig := range migrations {
		if applied[mig.version] {
			continue
		}
		if _, err := m.db.ExecContext(ctx, mig.sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.version, err)
		}
		m.logger.Printf("applied migration %s", mig.version)
	}
	return nil
}

func (m *PostgresMirror) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return err
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(d.Name(), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
