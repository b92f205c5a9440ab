package auditmirror

import (
	"context"
	"fmt"
	"log"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// FirestoreMirror pushes node-health status changes and gospel
// revocations to Firestore for a real-time operations dashboard. It is a
// no-op when disabled, so callers can construct one unconditionally and
// let the Enabled flag gate every write.
type FirestoreMirror struct {
	client    *gcpfirestore.Client
	projectID string
	enabled   bool
	logger    *log.Logger
}

// FirestoreConfig configures a FirestoreMirror.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// NewFirestoreMirror constructs a mirror per cfg. When cfg.Enabled is
// false it returns a client that accepts every call as a no-op, so the
// node doesn't need to branch on whether Firestore sync is configured.
func NewFirestoreMirror(ctx context.Context, cfg FirestoreConfig) (*FirestoreMirror, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[AuditMirror/Firestore] ", log.LstdFlags)
	}

	m := &FirestoreMirror{projectID: cfg.ProjectID, enabled: cfg.Enabled, logger: cfg.Logger}
	if !cfg.Enabled {
		cfg.Logger.Println("firestore audit sync disabled, running in no-op mode")
		return m, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required when firestore audit sync is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init firestore client: %w", err)
	}
	m.client = fsClient
	return m, nil
}

// Close releases the underlying Firestore client, if one was opened.
func (m *FirestoreMirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// SyncNodeHealthStatus pushes a C8 status transition to the
// `node_health_events` collection.
func (m *FirestoreMirror) SyncNodeHealthStatus(ctx context.Context, peerID, status string, trustScore float64) error {
	if !m.enabled {
		return nil
	}
	_, _, err := m.client.Collection("node_health_events").Add(ctx, map[string]interface{}{
		"peer_id":     peerID,
		"status":      status,
		"trust_score": trustScore,
		"recorded_at": time.Now().UTC(),
		"event_id":    uuid.NewString(),
	})
	if err != nil {
		m.logger.Printf("failed to sync node health status for peer %s: %v", peerID, err)
	}
	return err
}

// SyncRevocation pushes a C9 accepted revocation certificate to the
// `gospel_revocations` collection.
func (m *FirestoreMirror) SyncRevocation(ctx context.Context, nodeID, reason, authorityID string, revokedAt uint64) error {
	if !m.enabled {
		return nil
	}
	_, err := m.client.Collection("gospel_revocations").Doc(nodeID).Set(ctx, map[string]interface{}{
		"node_id":      nodeID,
		"reason":       reason,
		"authority_id": authorityID,
		"revoked_at":   revokedAt,
		"synced_at":    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Printf("failed to sync revocation for node %s: %v", nodeID, err)
	}
	return err
}

// IsEnabled reports whether this mirror performs real writes.
func (m *FirestoreMirror) IsEnabled() bool {
	return m.enabled
}
