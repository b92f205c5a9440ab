package admission

import (
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
)

const (
	// MaxTimestampAgeSecs rejects a command whose timestamp is older than
	// this many seconds relative to the validator's clock.
	MaxTimestampAgeSecs uint64 = 300
	// MaxFutureSkewSecs rejects a command whose timestamp is this far
	// ahead of the validator's clock.
	MaxFutureSkewSecs uint64 = 30
	// NonceRetentionSecs is how long a recorded nonce is kept before
	// cleanup may discard it.
	NonceRetentionSecs uint64 = 600
	// MaxNoncesPerDevice bounds memory use per device; the oldest nonces
	// are not evicted early to make room — once at the cap, new unique
	// nonces are rejected until cleanup frees space.
	MaxNoncesPerDevice = 1000
)

type nonceEntry struct {
	nonce     string
	timestamp uint64
}

// ReplayWindows bundles the replay-protection tunables. The zero value is
// replaced by the package defaults.
type ReplayWindows struct {
	MaxTimestampAgeSecs uint64
	MaxFutureSkewSecs   uint64
	NonceRetentionSecs  uint64
	MaxNoncesPerDevice  int
}

// DefaultReplayWindows returns the spec-pinned defaults.
func DefaultReplayWindows() ReplayWindows {
	return ReplayWindows{
		MaxTimestampAgeSecs: MaxTimestampAgeSecs,
		MaxFutureSkewSecs:   MaxFutureSkewSecs,
		NonceRetentionSecs:  NonceRetentionSecs,
		MaxNoncesPerDevice:  MaxNoncesPerDevice,
	}
}

// ReplayProtector rejects commands with a stale/future timestamp or a
// nonce it has already recorded for that device, mirroring the validation
// order used by the system this was modeled on: validate timestamp, then
// check-and-record the nonce, then sweep every device's old nonces.
type ReplayProtector struct {
	mu      sync.Mutex
	windows ReplayWindows
	nonces  map[string][]nonceEntry
}

// NewReplayProtector returns an empty replay protector with default
// windows.
func NewReplayProtector() *ReplayProtector {
	return NewReplayProtectorWithWindows(DefaultReplayWindows())
}

// NewReplayProtectorWithWindows returns an empty replay protector with the
// given windows; zero fields fall back to the defaults.
func NewReplayProtectorWithWindows(w ReplayWindows) *ReplayProtector {
	d := DefaultReplayWindows()
	if w.MaxTimestampAgeSecs == 0 {
		w.MaxTimestampAgeSecs = d.MaxTimestampAgeSecs
	}
	if w.MaxFutureSkewSecs == 0 {
		w.MaxFutureSkewSecs = d.MaxFutureSkewSecs
	}
	if w.NonceRetentionSecs == 0 {
		w.NonceRetentionSecs = d.NonceRetentionSecs
	}
	if w.MaxNoncesPerDevice == 0 {
		w.MaxNoncesPerDevice = d.MaxNoncesPerDevice
	}
	return &ReplayProtector{windows: w, nonces: make(map[string][]nonceEntry)}
}

func (r *ReplayProtector) validateTimestamp(timestamp, now uint64) error {
	if timestamp+r.windows.MaxTimestampAgeSecs < now {
		return errs.New(errs.KindReplay, "command timestamp too old")
	}
	if timestamp > now+r.windows.MaxFutureSkewSecs {
		return errs.New(errs.KindReplay, "command timestamp too far in the future")
	}
	return nil
}

func (r *ReplayProtector) checkAndRecordNonce(deviceID, nonce string, timestamp uint64) error {
	entries := r.nonces[deviceID]
	for _, e := range entries {
		if e.nonce == nonce {
			return errs.New(errs.KindReplay, "nonce already used for this device")
		}
	}
	if len(entries) >= r.windows.MaxNoncesPerDevice {
		return errs.New(errs.KindReplay, "device nonce table full")
	}
	r.nonces[deviceID] = append(entries, nonceEntry{nonce: nonce, timestamp: timestamp})
	return nil
}

func (r *ReplayProtector) cleanupOldNonces(now uint64) {
	if now < r.windows.NonceRetentionSecs {
		return
	}
	cutoff := now - r.windows.NonceRetentionSecs
	for deviceID, entries := range r.nonces {
		kept := entries[:0]
		for _, e := range entries {
			if e.timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.nonces, deviceID)
		} else {
			r.nonces[deviceID] = kept
		}
	}
}

// ValidateCommand runs the full replay-protection pipeline for one command:
// validate its timestamp, then check-and-record its nonce, then sweep every
// device's stale nonces. The sweep runs on every call, not on a timer, so
// protector memory is bounded without a background goroutine.
func (r *ReplayProtector) ValidateCommand(deviceID, nonce string, timestamp, now uint64) error {
	if err := r.validateTimestamp(timestamp, now); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAndRecordNonce(deviceID, nonce, timestamp); err != nil {
		return err
	}
	r.cleanupOldNonces(now)
	return nil
}
