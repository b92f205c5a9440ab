package admission

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayProtector_AcceptsValidCommand(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))
}

func TestReplayProtector_RejectsDuplicateNonce(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))
	err := r.ValidateCommand("device-1", "nonce-1", 1000, 1000)
	assert.Error(t, err)
}

func TestReplayProtector_RejectsOldTimestamp(t *testing.T) {
	r := NewReplayProtector()
	err := r.ValidateCommand("device-1", "nonce-1", 1000, 1000+MaxTimestampAgeSecs+1)
	assert.Error(t, err)
}

func TestReplayProtector_RejectsFutureTimestamp(t *testing.T) {
	r := NewReplayProtector()
	err := r.ValidateCommand("device-1", "nonce-1", 1000+MaxFutureSkewSecs+1, 1000)
	assert.Error(t, err)
}

func TestReplayProtector_DifferentDevicesIndependentNonces(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))
	require.NoError(t, r.ValidateCommand("device-2", "nonce-1", 1000, 1000))
}

func TestReplayProtector_DifferentNoncesAllowed(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))
	require.NoError(t, r.ValidateCommand("device-1", "nonce-2", 1000, 1000))
}

func TestReplayProtector_CleanupDoesNotRemoveRecentNonces(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))

	soon := 1000 + NonceRetentionSecs - 1
	require.NoError(t, r.ValidateCommand("device-2", "nonce-x", soon, soon))

	err := r.ValidateCommand("device-1", "nonce-1", soon, soon)
	assert.Error(t, err, "nonce-1 should still be recorded, not yet past retention window")
}

func TestReplayProtector_CleanupRemovesOldNonces(t *testing.T) {
	r := NewReplayProtector()
	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", 1000, 1000))

	later := 1000 + NonceRetentionSecs + 1
	require.NoError(t, r.ValidateCommand("device-2", "nonce-x", later, later))

	require.NoError(t, r.ValidateCommand("device-1", "nonce-1", later, later))
}

func TestReplayProtector_NonceLimitEnforced(t *testing.T) {
	r := NewReplayProtector()
	for i := 0; i < MaxNoncesPerDevice; i++ {
		nonce := fmt.Sprintf("nonce-%d", i)
		require.NoError(t, r.ValidateCommand("device-1", nonce, 1000, 1000))
	}
	err := r.ValidateCommand("device-1", "nonce-overflow", 1000, 1000)
	assert.Error(t, err)
}
