package ledger

import "github.com/aethercore/trustfabric/pkg/errs"

// Sentinel errors for ledger operations.
var (
	// ErrMetaNotFound is returned when no rows have ever been appended for a device.
	ErrMetaNotFound = errs.New(errs.KindState, "ledger metadata not found")

	// ErrRowNotFound is returned when a sequence number has no recorded row.
	ErrRowNotFound = errs.New(errs.KindState, "ledger row not found")

	// ErrCorrupt is returned by the startup continuity check when the
	// persisted chain fails hash-linkage verification. The ledger must not
	// accept further appends for a device in this state until repaired.
	ErrCorrupt = errs.New(errs.KindIntegrity, "ledger corruption detected")

	// ErrSequenceConflict reports an append whose sequence does not
	// immediately follow the device's latest persisted row. AppendSignedEvent
	// assigns sequence numbers itself and does not return it.
	ErrSequenceConflict = errs.New(errs.KindValidation, "ledger sequence conflict")
)
