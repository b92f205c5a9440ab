// Package ledger implements the Event Ledger (C4): durable, append-only
// per-device storage for signed canonical events, backed by a CometBFT
// key-value store. It verifies hash-chain continuity on startup and
// refuses further writes for a device whose persisted history is corrupt.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/event"
)

// KV is the minimal key-value contract the ledger needs.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Iterable is implemented by KV stores that can range-scan their keyspace.
// Stores that cannot (e.g. a bare in-memory map in tests) simply don't
// implement it; Iterate then returns ErrTransport.
type Iterable interface {
	Iterator(start, end []byte) (dbm.Iterator, error)
}

var (
	rowsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfabric_ledger_events_appended_total",
		Help: "Signed events durably appended to the ledger, by device.",
	}, []string{"device_id"})

	startupChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustfabric_ledger_startup_checks_total",
		Help: "Startup continuity checks performed across all devices.",
	})

	corruptionDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfabric_ledger_corruption_detected_total",
		Help: "Startup continuity checks that found a broken hash chain, by device.",
	}, []string{"device_id"})
)

func init() {
	prometheus.MustRegister(rowsAppended, startupChecks, corruptionDetected)
}

var (
	metaPrefix = []byte("ledger:meta:")
	rowPrefix  = []byte("ledger:row:")
)

func metaKey(deviceID string) []byte {
	return append(append([]byte{}, metaPrefix...), []byte(deviceID)...)
}

func rowKey(deviceID string, sequence uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sequence)
	key := append(append([]byte{}, rowPrefix...), []byte(deviceID+":")...)
	return append(key, b...)
}

func rowKeyPrefix(deviceID string) []byte {
	return append(append([]byte{}, rowPrefix...), []byte(deviceID+":")...)
}

// Store is the durable, single-writer event ledger. Reads may come from any
// number of goroutines; all writes for a given device must be serialized by
// the caller (pkg/node does this by holding its own mutex across the chain
// append and the ledger append).
//
// CONCURRENCY: Store itself guards its metadata cache with a mutex, but does
// not serialize concurrent AppendSignedEvent calls for the same device
// against each other — callers own that ordering guarantee.
type Store struct {
	mu     sync.Mutex
	kv     KV
	logger *log.Logger
	meta   map[string]*Meta
}

// NewStore wraps kv as a durable event ledger.
func NewStore(kv KV) *Store {
	return &Store{
		kv:     kv,
		logger: log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
		meta:   make(map[string]*Meta),
	}
}

func (s *Store) loadMeta(deviceID string) (*Meta, error) {
	s.mu.Lock()
	if m, ok := s.meta[deviceID]; ok {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	b, err := s.kv.Get(metaKey(deviceID))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "read ledger meta", err)
	}
	if len(b) == 0 {
		return nil, ErrMetaNotFound
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "decode ledger meta", err)
	}
	s.mu.Lock()
	s.meta[deviceID] = &m
	s.mu.Unlock()
	return &m, nil
}

func (s *Store) saveMeta(m *Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.KindState, "encode ledger meta", err)
	}
	if err := s.kv.Set(metaKey(m.DeviceID), b); err != nil {
		return errs.Wrap(errs.KindTransport, "write ledger meta", err)
	}
	s.mu.Lock()
	s.meta[m.DeviceID] = m
	s.mu.Unlock()
	return nil
}

// AppendSignedEvent durably records e and returns the sequence number the
// ledger assigned it. Sequence numbers are ledger-owned, 1-based, and
// dense: the producer's own event.Sequence (its chain position) plays no
// part here. Preconditions: e is signed, e.PrevHash matches the device's
// current head hash (empty for the first row), and the device's history
// has not been marked corrupt.
func (s *Store) AppendSignedEvent(e *event.CanonicalEvent, merkleRoot string) (uint64, error) {
	if !e.IsSigned() {
		return 0, errs.New(errs.KindValidation, "event must be signed before ledger append")
	}

	meta, err := s.loadMeta(e.DeviceID)
	if err != nil {
		if err != ErrMetaNotFound {
			return 0, err
		}
		meta = &Meta{DeviceID: e.DeviceID}
	} else if meta.Corrupt {
		return 0, errs.New(errs.KindIntegrity, fmt.Sprintf("ledger for device %s is marked corrupt: %s", e.DeviceID, meta.CorruptReason))
	}
	if e.PrevHash != meta.LatestHash {
		return 0, errs.New(errs.KindIntegrity, "event prev_hash does not match ledger head")
	}

	seq := meta.LatestSeq + 1
	row := &Row{
		Event:      e,
		NodeID:     e.NodeID,
		DeviceID:   e.DeviceID,
		Sequence:   seq,
		MerkleRoot: merkleRoot,
		AppendedAt: e.Timestamp,
	}
	b, err := json.Marshal(row)
	if err != nil {
		return 0, errs.Wrap(errs.KindState, "encode ledger row", err)
	}
	if err := s.kv.Set(rowKey(e.DeviceID, seq), b); err != nil {
		return 0, errs.Wrap(errs.KindTransport, "write ledger row", err)
	}

	meta.LatestSeq = seq
	meta.LatestHash = e.Hash
	meta.RowCount++
	if err := s.saveMeta(meta); err != nil {
		return 0, err
	}

	rowsAppended.WithLabelValues(e.DeviceID).Inc()
	return seq, nil
}

// GetLatestEvent returns the most recently appended row for deviceID.
func (s *Store) GetLatestEvent(deviceID string) (*Row, error) {
	meta, err := s.loadMeta(deviceID)
	if err != nil {
		return nil, err
	}
	return s.GetEventBySeq(deviceID, meta.LatestSeq)
}

// GetEventBySeq returns the row recorded at sequence for deviceID.
func (s *Store) GetEventBySeq(deviceID string, sequence uint64) (*Row, error) {
	b, err := s.kv.Get(rowKey(deviceID, sequence))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "read ledger row", err)
	}
	if len(b) == 0 {
		return nil, ErrRowNotFound
	}
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "decode ledger row", err)
	}
	return &row, nil
}

// Iterate calls fn for every row recorded for deviceID in ascending
// sequence order, stopping early if fn returns an error.
func (s *Store) Iterate(deviceID string, fn func(*Row) error) error {
	iterable, ok := s.kv.(Iterable)
	if !ok {
		return errs.New(errs.KindTransport, "ledger backend does not support iteration")
	}
	prefix := rowKeyPrefix(deviceID)
	end := append(append([]byte{}, prefix...), 0xFF)
	it, err := iterable.Iterator(prefix, end)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "open ledger iterator", err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		var row Row
		if err := json.Unmarshal(it.Value(), &row); err != nil {
			return errs.Wrap(errs.KindIntegrity, "decode ledger row during iteration", err)
		}
		if err := fn(&row); err != nil {
			return err
		}
	}
	return nil
}

// VerifyStartupContinuity walks every persisted row for deviceID in order
// and checks hash linkage, incrementing the corruption-detected counter and
// returning ErrCorrupt at the first broken link. Call once per device at
// node startup before accepting new appends.
func (s *Store) VerifyStartupContinuity(deviceID string) error {
	startupChecks.Inc()
	var prevHash string
	expectedSeq := uint64(1)
	err := s.Iterate(deviceID, func(row *Row) error {
		if row.Sequence != expectedSeq {
			corruptionDetected.WithLabelValues(deviceID).Inc()
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrCorrupt, expectedSeq, row.Sequence)
		}
		if row.Event.PrevHash != prevHash {
			corruptionDetected.WithLabelValues(deviceID).Inc()
			return fmt.Errorf("%w: broken prev_hash at sequence %d", ErrCorrupt, row.Sequence)
		}
		prevHash = row.Event.Hash
		expectedSeq++
		return nil
	})
	if err != nil {
		s.logger.Printf("startup continuity check failed for device %s: %v", deviceID, err)
		return err
	}
	return nil
}

// CheckStartup runs VerifyStartupContinuity for deviceID, persists the
// outcome onto the device's Meta record, and returns a LedgerHealth summary.
// A broken chain is reported through the returned status rather than a Go
// error so that node startup can continue in a degraded, read-only state for
// the affected device instead of crash-looping; only genuine infrastructure
// errors (a KV read failure, a corrupt meta record) are returned as err.
func (s *Store) CheckStartup(deviceID, nodeID string, now uint64) (LedgerHealth, error) {
	checkErr := s.VerifyStartupContinuity(deviceID)

	meta, err := s.loadMeta(deviceID)
	if err != nil {
		if err != ErrMetaNotFound {
			return LedgerHealth{}, err
		}
		meta = &Meta{DeviceID: deviceID}
	}

	health := LedgerHealth{
		Status:      HealthOK,
		NodeID:      nodeID,
		EventCount:  meta.RowCount,
		LastCheckTS: now,
	}

	if checkErr != nil {
		if kind, ok := errs.KindOf(checkErr); !ok || kind != errs.KindIntegrity {
			return LedgerHealth{}, checkErr
		}
		health.Status = HealthCorrupt
		health.Reason = checkErr.Error()
		meta.Corrupt = true
		meta.CorruptReason = checkErr.Error()
	} else {
		meta.Corrupt = false
		meta.CorruptReason = ""
	}

	if err := s.saveMeta(meta); err != nil {
		return LedgerHealth{}, err
	}
	return health, nil
}

// KnownDevices returns every device ID with at least one persisted Meta
// record, so callers can run startup checks and chain rebuilds without
// needing an external device roster.
func (s *Store) KnownDevices() ([]string, error) {
	iterable, ok := s.kv.(Iterable)
	if !ok {
		return nil, errs.New(errs.KindTransport, "ledger backend does not support iteration")
	}
	end := append(append([]byte{}, metaPrefix...), 0xFF)
	it, err := iterable.Iterator(metaPrefix, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "open ledger meta iterator", err)
	}
	defer it.Close()

	var devices []string
	for ; it.Valid(); it.Next() {
		var m Meta
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, errs.Wrap(errs.KindIntegrity, "decode ledger meta during iteration", err)
		}
		devices = append(devices, m.DeviceID)
	}
	return devices, nil
}
