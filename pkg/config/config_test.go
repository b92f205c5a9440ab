package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoEnvironment(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-default", cfg.NodeID)
	assert.Equal(t, 30*time.Second, cfg.StalenessTTL)
	assert.Equal(t, 300*time.Second, cfg.CmdFreshnessPast)
	assert.Equal(t, 1000, cfg.CmdNonceCap)
	assert.Equal(t, 0.8, cfg.TrustThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("TRUSTFABRIC_NODE_ID", "node-7")
	t.Setenv("TRUSTFABRIC_GOSSIP_MAX_HOPS", "4")
	t.Setenv("TRUSTFABRIC_REVOCATION_SKEW", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 4, cfg.GossipMaxHops)
	assert.Equal(t, 10*time.Second, cfg.RevocationSkew)
}

func TestValidate_RejectsEmptyNodeID(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.NodeID = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedHealthRatios(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Health.HealthyRatio = 0.5
	cfg.Health.CompromisedRatio = 0.6
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresFirebaseProjectWhenFirestoreEnabled(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.FirestoreEnabled = true
	cfg.FirebaseProjectID = ""
	assert.Error(t, cfg.Validate())
}

func TestGetEnvDuration_AcceptsBareSeconds(t *testing.T) {
	require.NoError(t, os.Setenv("TRUSTFABRIC_TEST_DURATION", "15"))
	defer os.Unsetenv("TRUSTFABRIC_TEST_DURATION")
	assert.Equal(t, 15*time.Second, getEnvDuration("TRUSTFABRIC_TEST_DURATION", time.Second))
}
