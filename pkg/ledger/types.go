package ledger

import "github.com/aethercore/trustfabric/pkg/event"

// Row is one durable ledger entry: a signed canonical event plus the
// ledger-assigned position it was recorded at. Sequence is owned by the
// ledger, 1-based and dense per device; it is distinct from the event's
// own chain sequence.
type Row struct {
	Event      *event.CanonicalEvent `json:"event"`
	NodeID     string                `json:"node_id"`
	DeviceID   string                `json:"device_id"`
	Sequence   uint64                `json:"sequence"`
	MerkleRoot string                `json:"merkle_root"`
	AppendedAt uint64                `json:"appended_at"`
}

// Meta tracks ledger-wide bookkeeping, one record per device.
type Meta struct {
	DeviceID      string `json:"device_id"`
	LatestSeq     uint64 `json:"latest_seq"`
	LatestHash    string `json:"latest_hash"`
	RowCount      uint64 `json:"row_count"`
	Corrupt       bool   `json:"corrupt"`
	CorruptReason string `json:"corrupt_reason,omitempty"`
}

// HealthStatus is the startup-continuity verdict for a single device's
// ledger history.
type HealthStatus string

const (
	HealthOK      HealthStatus = "Ok"
	HealthCorrupt HealthStatus = "Corrupt"
)

// LedgerHealth reports the outcome of a startup continuity check for one
// device, matching what Store.CheckStartup persists into Meta.
type LedgerHealth struct {
	Status     HealthStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	NodeID     string       `json:"node_id"`
	EventCount uint64       `json:"event_count"`
	LastCheckTS uint64      `json:"last_check_ts"`
}
