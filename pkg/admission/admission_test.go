package admission

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/aethercore/trustfabric/pkg/health"
	"github.com/aethercore/trustfabric/pkg/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, nodeID string) (signing.Handle, *signing.MemorySource) {
	t.Helper()
	src := signing.NewMemorySource()
	require.NoError(t, src.GenerateKey(nodeID))
	handle, err := src.GetSigningHandle(nodeID)
	require.NoError(t, err)
	return handle, src
}

func signEnvelope(t *testing.T, src *signing.MemorySource, handle signing.Handle, env *Envelope) {
	t.Helper()
	data, err := env.SigningBytes()
	require.NoError(t, err)
	sig, err := src.Sign(handle, data)
	require.NoError(t, err)
	pub, err := src.GetPublicKey(handle.NodeID)
	require.NoError(t, err)
	env.Signatures = append(env.Signatures, Signature{SignerID: handle.NodeID, PublicKey: pub, Signature: sig})
}

func singleUnitEnvelope(nonce string) *Envelope {
	return &Envelope{
		CommandID: "c1",
		DeviceID:  "device-1",
		Command:   &Command{Name: CmdSetWaypoint, Target: Target{Unit: "unit-1"}},
		Nonce:     nonce,
		Timestamp: 1000,
	}
}

func TestScope_RequiredSignatures(t *testing.T) {
	assert.Equal(t, 1, ScopeEmergency.RequiredSignatures())
	assert.Equal(t, 1, ScopeSingleUnitNormal.RequiredSignatures())
	assert.Equal(t, 2, ScopeSingleUnitCritical.RequiredSignatures())
	assert.Equal(t, 2, ScopeSwarmSmall.RequiredSignatures())
	assert.Equal(t, 2, ScopeSwarmLarge.RequiredSignatures())
}

func TestCommand_Classify(t *testing.T) {
	tests := []struct {
		name CommandName
		tgt  Target
		want Scope
	}{
		{CmdEmergencyStop, Target{Unit: "u1"}, ScopeEmergency},
		{CmdAbortAll, Target{Swarm: []string{"u1", "u2", "u3", "u4", "u5"}}, ScopeEmergency},
		{CmdSetWaypoint, Target{Unit: "u1"}, ScopeSingleUnitNormal},
		{CmdReboot, Target{Unit: "u1"}, ScopeSingleUnitCritical},
		{CmdConfigure, Target{Unit: "u1"}, ScopeSingleUnitCritical},
		{CmdSetWaypoint, Target{Swarm: []string{"u1", "u2"}}, ScopeSwarmSmall},
		{CmdSetWaypoint, Target{Swarm: []string{"u1", "u2", "u3", "u4", "u5"}}, ScopeSwarmLarge},
	}
	for _, tc := range tests {
		cmd := &Command{Name: tc.name, Target: tc.tgt}
		assert.Equal(t, tc.want, cmd.Classify(), "%s over %d targets", tc.name, len(tc.tgt.Units()))
	}
}

func TestCommand_SigningHashIsDeterministic(t *testing.T) {
	a := &Command{Name: CmdConfigure, Target: Target{Unit: "u1"}, Params: map[string]interface{}{"b": 1, "a": 2}}
	b := &Command{Name: CmdConfigure, Target: Target{Unit: "u1"}, Params: map[string]interface{}{"a": 2, "b": 1}}

	ha, err := a.SigningHash()
	require.NoError(t, err)
	hb, err := b.SigningHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := &Command{Name: CmdConfigure, Target: Target{Unit: "u2"}, Params: map[string]interface{}{"a": 2, "b": 1}}
	hc, err := c.SigningHash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestKernel_Admit_SingleUnitNormal_HappyPath(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil)
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	dec, err := k.Admit(context.Background(), env, 1000)
	require.NoError(t, err)
	assert.Equal(t, CodeAdmitted, dec.Code)
	assert.Equal(t, ScopeSingleUnitNormal, dec.Scope)
}

func TestKernel_Admit_RejectsInsufficientSignatures(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil)
	env := &Envelope{
		CommandID: "c1", DeviceID: "device-1",
		Command: &Command{Name: CmdReboot, Target: Target{Unit: "unit-1"}},
		Nonce:   "n1", Timestamp: 1000,
	}
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeQuorumShort, CodeOf(err))
}

func TestKernel_Admit_RejectsInvalidSignature(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil)
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)
	env.Signatures[0].Signature[0] ^= 0xFF

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeBadSignature, CodeOf(err))
}

func TestKernel_Admit_RejectsReplayedNonce(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil)
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.NoError(t, err)
	_, err = k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeReplay, CodeOf(err))
}

func TestKernel_Admit_RejectsStaleTimestamp(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil)
	env := &Envelope{
		CommandID: "c1", DeviceID: "device-1",
		Command: &Command{Name: CmdEmergencyStop, Target: Target{Unit: "unit-1"}},
		Nonce:   "n1", Timestamp: 100,
	}
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 100+MaxTimestampAgeSecs+1)
	require.Error(t, err)
	assert.Equal(t, CodeReplay, CodeOf(err))
}

type staticKeys map[string]ed25519.PublicKey

func (s staticKeys) PublicKeyOf(id string) (ed25519.PublicKey, bool) {
	k, ok := s[id]
	return k, ok
}

func TestKernel_Admit_RejectsUnknownSigner(t *testing.T) {
	handle, src := newSigner(t, "rogue")
	k := NewKernel(nil, WithKeyDirectory(staticKeys{}))
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeUnknownSigner, CodeOf(err))
}

func TestKernel_Admit_VerifiesAgainstDirectoryKey(t *testing.T) {
	handle, src := newSigner(t, "auth-1")
	pub, err := src.GetPublicKey("auth-1")
	require.NoError(t, err)

	k := NewKernel(nil, WithKeyDirectory(staticKeys{"auth-1": pub}))
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)
	// An attacker swapping in their own embedded key changes nothing: the
	// directory's key is what the signature is checked against.
	env.Signatures[0].PublicKey = make(ed25519.PublicKey, ed25519.PublicKeySize)

	_, err = k.Admit(context.Background(), env, 1000)
	require.NoError(t, err)
}

type staticRevocations map[string]struct{}

func (s staticRevocations) IsRevoked(nodeID string) bool {
	_, ok := s[nodeID]
	return ok
}

func TestKernel_Admit_RejectsRevokedSigner(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	k := NewKernel(nil, WithRevocationLedger(staticRevocations{"node-a": {}}))
	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeSignerRevoked, CodeOf(err))
}

func trustEngineWith(nodeID string, matches, mismatches int) *health.Engine {
	e := health.NewEngine(health.DefaultThresholds())
	now := uint64(1)
	for i := 0; i < mismatches; i++ {
		e.RecordObservation(nodeID, false, now)
	}
	for i := 0; i < matches; i++ {
		e.RecordObservation(nodeID, true, now)
	}
	return e
}

func TestKernel_Admit_RejectsQuarantinedSigner(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	// All mismatches: combined trust collapses to zero.
	engine := trustEngineWith("node-a", 0, 10)
	k := NewKernel(nil, WithTrustGate(engine, func(string) float64 { return 1.0 }, DefaultTrustThreshold))

	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeSignerQuarantined, CodeOf(err))
}

func TestKernel_Admit_RejectsUnobservedSignerAsQuarantined(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	engine := health.NewEngine(health.DefaultThresholds())
	k := NewKernel(nil, WithTrustGate(engine, func(string) float64 { return 1.0 }, DefaultTrustThreshold))

	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeSignerQuarantined, CodeOf(err))
}

func TestKernel_Admit_RejectsTrustBelowThreshold(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	// Healthy behavior but weak attestation drops combined trust under 0.8.
	engine := trustEngineWith("node-a", 50, 0)
	k := NewKernel(nil, WithTrustGate(engine, func(string) float64 { return 0.7 }, DefaultTrustThreshold))

	env := singleUnitEnvelope("n1")
	signEnvelope(t, src, handle, env)

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeTrustBelowThreshold, CodeOf(err))
}

func TestKernel_Admit_SwarmLargeAuthorityRules(t *testing.T) {
	h1, s1 := newSigner(t, "auth-1")
	h2, s2 := newSigner(t, "auth-2")

	swarm := &Command{Name: CmdSetWaypoint, Target: Target{Swarm: []string{"u1", "u2", "u3", "u4", "u5"}}}

	// Two authority-set signers drawn from a three-member set: admitted.
	k := NewKernel(AuthoritySet{"auth-1": {}, "auth-2": {}, "auth-3": {}})
	env := &Envelope{CommandID: "c1", DeviceID: "device-1", Command: swarm, Nonce: "n1", Timestamp: 1000}
	signEnvelope(t, s1, h1, env)
	signEnvelope(t, s2, h2, env)
	_, err := k.Admit(context.Background(), env, 1000)
	require.NoError(t, err)

	// Authority set too small: rejected even with two valid signatures.
	k2 := NewKernel(AuthoritySet{"auth-1": {}, "auth-2": {}})
	env2 := &Envelope{CommandID: "c2", DeviceID: "device-1", Command: swarm, Nonce: "n2", Timestamp: 1000}
	signEnvelope(t, s1, h1, env2)
	signEnvelope(t, s2, h2, env2)
	_, err = k2.Admit(context.Background(), env2, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeQuorumShort, CodeOf(err))

	// A signer outside the authority set: rejected.
	h3, s3 := newSigner(t, "outsider")
	k3 := NewKernel(AuthoritySet{"auth-1": {}, "auth-2": {}, "auth-3": {}})
	env3 := &Envelope{CommandID: "c3", DeviceID: "device-1", Command: swarm, Nonce: "n3", Timestamp: 1000}
	signEnvelope(t, s1, h1, env3)
	signEnvelope(t, s3, h3, env3)
	_, err = k3.Admit(context.Background(), env3, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeQuorumShort, CodeOf(err))
}

type recordingDispatcher struct {
	dispatched []string
	failUnits  map[string]struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, unitID string, _ *Command) error {
	d.dispatched = append(d.dispatched, unitID)
	if _, fail := d.failUnits[unitID]; fail {
		return fmt.Errorf("unit %s unreachable", unitID)
	}
	return nil
}

type recordingSink struct {
	decisions []Decision
}

func (s *recordingSink) RecordAdmission(dec Decision) error {
	s.decisions = append(s.decisions, dec)
	return nil
}

func TestKernel_Admit_DispatchFanOutAndAudit(t *testing.T) {
	h1, s1 := newSigner(t, "auth-1")
	h2, s2 := newSigner(t, "auth-2")
	disp := &recordingDispatcher{failUnits: map[string]struct{}{"u2": {}}}
	sink := &recordingSink{}

	k := NewKernel(nil, WithDispatcher(disp), WithAuditSink(sink))
	env := &Envelope{
		CommandID: "c1", DeviceID: "device-1",
		Command: &Command{Name: CmdHoldPosition, Target: Target{Swarm: []string{"u1", "u2", "u3"}}},
		Nonce:   "n1", Timestamp: 1000,
	}
	signEnvelope(t, s1, h1, env)
	signEnvelope(t, s2, h2, env)

	dec, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeDispatchFailed, CodeOf(err))
	assert.True(t, dec.Admitted(), "a partial dispatch failure is still an admitted command")

	assert.Equal(t, []string{"u1", "u2", "u3"}, disp.dispatched)
	require.Len(t, dec.UnitResults, 3)
	assert.True(t, dec.UnitResults[0].OK)
	assert.False(t, dec.UnitResults[1].OK)
	assert.True(t, dec.UnitResults[2].OK)

	require.Len(t, sink.decisions, 1)
	assert.Equal(t, CodeDispatchFailed, sink.decisions[0].Code)
}

func TestKernel_Admit_RejectionIsAudited(t *testing.T) {
	sink := &recordingSink{}
	k := NewKernel(nil, WithAuditSink(sink))
	env := singleUnitEnvelope("n1")
	// No signatures at all.

	_, err := k.Admit(context.Background(), env, 1000)
	require.Error(t, err)
	require.Len(t, sink.decisions, 1)
	assert.Equal(t, CodeQuorumShort, sink.decisions[0].Code)
}

func TestKernel_Admit_CancelledContextRecordsUnitFailures(t *testing.T) {
	handle, src := newSigner(t, "node-a")
	disp := &recordingDispatcher{}
	sink := &recordingSink{}
	k := NewKernel(nil, WithDispatcher(disp), WithAuditSink(sink))

	env := &Envelope{
		CommandID: "c1", DeviceID: "device-1",
		Command: &Command{Name: CmdEmergencyStop, Target: Target{Swarm: []string{"u1", "u2"}}},
		Nonce:   "n1", Timestamp: 1000,
	}
	signEnvelope(t, src, handle, env)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec, err := k.Admit(ctx, env, 1000)
	require.Error(t, err)
	assert.Equal(t, CodeDispatchFailed, CodeOf(err))
	require.Len(t, dec.UnitResults, 2)
	assert.Empty(t, disp.dispatched, "no unit should be dispatched after cancellation")
	require.Len(t, sink.decisions, 1, "the audit record is still written")
}

func TestCommand_SigningHashPreservesLargeIntegerParams(t *testing.T) {
	a := &Command{Name: CmdSetWaypoint, Target: Target{Unit: "u1"},
		Params: map[string]interface{}{"arrive_by_ns": int64(9223372036854775807)}}
	b := &Command{Name: CmdSetWaypoint, Target: Target{Unit: "u1"},
		Params: map[string]interface{}{"arrive_by_ns": int64(9223372036854775806)}}

	ha, err := a.SigningHash()
	require.NoError(t, err)
	hb, err := b.SigningHash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb, "adjacent large integers must hash differently")
}
