package chain

import (
	"testing"

	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/signing"
	"github.com/stretchr/testify/require"
)

func mustSignedEvent(t *testing.T, svc *signing.Service, handle signing.Handle, deviceID string, seq uint64, prevHash string) *event.CanonicalEvent {
	t.Helper()
	e := &event.CanonicalEvent{
		EventID: "evt", EventType: event.EventTypeTelemetry, Timestamp: uint64(seq + 1),
		DeviceID: deviceID, NodeID: handle.NodeID, Sequence: seq, ChainHeight: seq,
		PrevHash: prevHash,
		Payload:  event.EventPayload{Telemetry: &event.TelemetryPayload{SensorType: "battery", Unit: "pct", Value: 0.5}},
	}
	signed, err := svc.SignEvent(handle, e)
	require.NoError(t, err)
	return signed
}

func newTestChain(t *testing.T) (*Chain, *signing.Service, signing.Handle) {
	t.Helper()
	src := signing.NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))
	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)
	svc := signing.NewService(src)
	return NewChain("device-1"), svc, handle
}

func TestChain_AppendBuildsContinuity(t *testing.T) {
	c, svc, handle := newTestChain(t)

	e0 := mustSignedEvent(t, svc, handle, "device-1", 0, "")
	link0, err := c.Append(e0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), link0.Sequence)

	e1 := mustSignedEvent(t, svc, handle, "device-1", 1, e0.Hash)
	link1, err := c.Append(e1)
	require.NoError(t, err)
	require.Equal(t, e0.Hash, link1.PrevHash)

	require.NoError(t, c.VerifyContinuity())
	require.NoError(t, c.VerifySkipLinks())
}

func TestChain_AppendRejectsBrokenPrevHash(t *testing.T) {
	c, svc, handle := newTestChain(t)
	e0 := mustSignedEvent(t, svc, handle, "device-1", 0, "")
	_, err := c.Append(e0)
	require.NoError(t, err)

	e1 := mustSignedEvent(t, svc, handle, "device-1", 1, "deadbeef")
	_, err = c.Append(e1)
	require.Error(t, err)
}

func TestChain_AppendRejectsOutOfOrderSequence(t *testing.T) {
	c, svc, handle := newTestChain(t)
	e1 := mustSignedEvent(t, svc, handle, "device-1", 1, "")
	_, err := c.Append(e1)
	require.Error(t, err)
}

func TestChain_SkipLinksCoverPowersOfTwo(t *testing.T) {
	c, svc, handle := newTestChain(t)
	prev := ""
	var hashes []string
	for seq := uint64(0); seq < 9; seq++ {
		e := mustSignedEvent(t, svc, handle, "device-1", seq, prev)
		link, err := c.Append(e)
		require.NoError(t, err)
		hashes = append(hashes, e.Hash)
		prev = e.Hash

		if seq == 8 {
			require.Contains(t, link.SkipLinks, uint64(1))
			require.Contains(t, link.SkipLinks, uint64(2))
			require.Contains(t, link.SkipLinks, uint64(4))
			require.Contains(t, link.SkipLinks, uint64(8))
			require.Equal(t, hashes[7], link.SkipLinks[1])
			require.Equal(t, hashes[0], link.SkipLinks[8])
		}
	}
}

func TestChain_MerkleRootChangesPerAppend(t *testing.T) {
	c, svc, handle := newTestChain(t)
	e0 := mustSignedEvent(t, svc, handle, "device-1", 0, "")
	link0, err := c.Append(e0)
	require.NoError(t, err)

	e1 := mustSignedEvent(t, svc, handle, "device-1", 1, e0.Hash)
	link1, err := c.Append(e1)
	require.NoError(t, err)

	require.NotEqual(t, link0.MerkleRoot, link1.MerkleRoot)
}

func TestRegistry_RoutesByDevice(t *testing.T) {
	src := signing.NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))
	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)
	svc := signing.NewService(src)

	reg := NewRegistry()
	eA := mustSignedEvent(t, svc, handle, "device-a", 0, "")
	eB := mustSignedEvent(t, svc, handle, "device-b", 0, "")

	_, err = reg.Append(eA)
	require.NoError(t, err)
	_, err = reg.Append(eB)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"device-a", "device-b"}, reg.Devices())
	require.Equal(t, uint64(1), reg.ChainFor("device-a").Height())
}
