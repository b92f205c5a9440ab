package auditmirror

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFirestoreMirror_DisabledIsNoOp(t *testing.T) {
	m, err := NewFirestoreMirror(context.Background(), FirestoreConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())

	assert.NoError(t, m.SyncNodeHealthStatus(context.Background(), "peer-1", "HEALTHY", 0.95))
	assert.NoError(t, m.SyncRevocation(context.Background(), "node-a", "compromised", "auth-1", 100))
}

func TestNewFirestoreMirror_EnabledRequiresProjectID(t *testing.T) {
	_, err := NewFirestoreMirror(context.Background(), FirestoreConfig{Enabled: true})
	assert.Error(t, err)
}
