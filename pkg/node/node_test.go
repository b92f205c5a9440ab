package node

import (
	"context"
	"testing"
	"time"

	"github.com/aethercore/trustfabric/pkg/admission"
	"github.com/aethercore/trustfabric/pkg/config"
	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/identity"
	"github.com/aethercore/trustfabric/pkg/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.NodeID = "test-node"
	cfg.LedgerPath = t.TempDir()
	cfg.GospelPath = t.TempDir()
	return cfg
}

func TestNew_WiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.Signing)
	require.NotNil(t, n.Chains)
	require.NotNil(t, n.Ledger)
	require.NotNil(t, n.Identity)
	require.NotNil(t, n.Enrollment)
	require.NotNil(t, n.Handshakes)
	require.NotNil(t, n.Gossip)
	require.NotNil(t, n.Bunker)
	require.NotNil(t, n.Health)
	require.NotNil(t, n.Gospel)
	require.NotNil(t, n.Aggregator)
	require.NotNil(t, n.Admission)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNew_QuarantineRevokesIdentity(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Identity.Enroll(identity.EnrollmentContext{
		NodeID:    "peer-1",
		PublicKey: "deadbeef",
		Variant:   identity.VariantSoftware,
		Timestamp: 1000,
	})
	require.NoError(t, err)

	now := uint64(1000)
	n.Health.RecordObservation("peer-1", true, now)
	for i := 1; i < 6; i++ {
		n.Health.RecordObservation("peer-1", false, now+uint64(i))
	}

	_, ok := n.Identity.Get("peer-1")
	assert.False(t, ok, "quarantine should have revoked the identity")
}

func TestAppendEvent_ChainsAndPersists(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 3; i++ {
		seq, err := n.AppendEvent("sensor-1", event.EventTypeTelemetry, event.EventPayload{
			Telemetry: &event.TelemetryPayload{SensorType: "thermal", Unit: "C", Value: float64(20 + i)},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq, "ledger assigns 1-based sequence numbers")
	}

	c := n.Chains.ChainFor("sensor-1")
	assert.Equal(t, uint64(3), c.Height())
	require.NoError(t, c.VerifyContinuity())
	require.NoError(t, c.VerifySkipLinks())

	latest, err := n.Ledger.GetLatestEvent("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Sequence)
}

func TestProduceCheckpoint_CoversNewGrowthOnly(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 4; i++ {
		_, err := n.AppendEvent("sensor-1", event.EventTypeTelemetry, event.EventPayload{
			Telemetry: &event.TelemetryPayload{SensorType: "thermal", Unit: "C", Value: float64(i)},
		}, nil)
		require.NoError(t, err)
	}

	cp, err := n.ProduceCheckpoint("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp.SeqNo)
	assert.Equal(t, 4, cp.EventCount)
	assert.NotEmpty(t, cp.Signature)

	// No new growth: the next window is empty.
	_, err = n.ProduceCheckpoint("sensor-1")
	require.Error(t, err)

	_, err = n.AppendEvent("sensor-1", event.EventTypeTelemetry, event.EventPayload{
		Telemetry: &event.TelemetryPayload{SensorType: "thermal", Unit: "C", Value: 9},
	}, nil)
	require.NoError(t, err)

	cp2, err := n.ProduceCheckpoint("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp2.SeqNo)
	assert.Equal(t, 1, cp2.EventCount)
	assert.Equal(t, uint64(4), cp2.ChainHeightStart)
}

func TestSubmitCommand_AdmittedAndAudited(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	signerID := "authority-1"
	src := signing.NewMemorySource()
	require.NoError(t, src.GenerateKey(signerID))
	handle, err := src.GetSigningHandle(signerID)
	require.NoError(t, err)
	pub, err := src.GetPublicKey(signerID)
	require.NoError(t, err)

	// Enroll the signer (TPM-grade attestation) and build up healthy
	// observations so the trust gate clears.
	_, err = n.Identity.Enroll(identity.EnrollmentContext{
		NodeID:    signerID,
		PublicKey: "00",
		Variant:   identity.VariantTPM,
		PCRValues: map[int]string{0: "a", 2: "b", 4: "c", 7: "d"},
		Timestamp: 1000,
	})
	require.NoError(t, err)
	now := uint64(time.Now().Unix())
	for i := 0; i < 20; i++ {
		n.Health.RecordObservation(signerID, true, now)
	}

	env := &admission.Envelope{
		CommandID: "cmd-1",
		DeviceID:  "device-1",
		Command:   &admission.Command{Name: admission.CmdEmergencyStop, Target: admission.Target{Unit: "unit-1"}},
		Nonce:     "nonce-1",
		Timestamp: now,
	}
	data, err := env.SigningBytes()
	require.NoError(t, err)
	sig, err := src.Sign(handle, data)
	require.NoError(t, err)
	env.Signatures = []admission.Signature{{SignerID: signerID, PublicKey: pub, Signature: sig}}

	dec, err := n.SubmitCommand(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, admission.CodeAdmitted, dec.Code)

	// The decision landed on the audit device chain.
	latest, err := n.Ledger.GetLatestEvent("c2-audit")
	require.NoError(t, err)
	require.NotNil(t, latest.Event.Payload.Custom)
	assert.Equal(t, "c2_admission_decision", latest.Event.Payload.Custom.TypeName)
}

func TestSubmitCommand_RejectsUnenrolledSigner(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	src := signing.NewMemorySource()
	require.NoError(t, src.GenerateKey("ghost"))
	handle, err := src.GetSigningHandle("ghost")
	require.NoError(t, err)
	pub, err := src.GetPublicKey("ghost")
	require.NoError(t, err)

	env := &admission.Envelope{
		CommandID: "cmd-1",
		DeviceID:  "device-1",
		Command:   &admission.Command{Name: admission.CmdSetWaypoint, Target: admission.Target{Unit: "unit-1"}},
		Nonce:     "nonce-1",
		Timestamp: uint64(time.Now().Unix()),
	}
	data, err := env.SigningBytes()
	require.NoError(t, err)
	sig, err := src.Sign(handle, data)
	require.NoError(t, err)
	env.Signatures = []admission.Signature{{SignerID: "ghost", PublicKey: pub, Signature: sig}}

	_, err = n.SubmitCommand(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, admission.CodeSignerQuarantined, admission.CodeOf(err))
}

func TestRestart_RebuildsChainsFromLedger(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := n.AppendEvent("sensor-1", event.EventTypeTelemetry, event.EventPayload{
			Telemetry: &event.TelemetryPayload{SensorType: "thermal", Unit: "C", Value: float64(i)},
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, n.Close())

	n2, err := New(cfg, nil)
	require.NoError(t, err)
	defer n2.Close()

	c := n2.Chains.ChainFor("sensor-1")
	assert.Equal(t, uint64(5), c.Height())
	require.NoError(t, c.VerifyContinuity())
}
