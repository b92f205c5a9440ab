package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySource_SignAndVerify(t *testing.T) {
	src := NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))

	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)

	sig, err := src.Sign(handle, []byte("payload"))
	require.NoError(t, err)

	pub, err := src.GetPublicKey("node-a")
	require.NoError(t, err)

	assert.True(t, src.Verify(pub, []byte("payload"), sig))
	assert.False(t, src.Verify(pub, []byte("tampered"), sig))
}

func TestMemorySource_UnknownKeyRejected(t *testing.T) {
	src := NewMemorySource()
	_, err := src.GetSigningHandle("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemorySource_RotateKeyChangesPublicKey(t *testing.T) {
	src := NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))
	before, err := src.GetPublicKey("node-a")
	require.NoError(t, err)

	require.NoError(t, src.RotateKey("node-a"))
	after, err := src.GetPublicKey("node-a")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestFileSource_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	src1, err := NewFileSource(dir)
	require.NoError(t, err)
	require.NoError(t, src1.GenerateKey("node-a"))
	pub1, err := src1.GetPublicKey("node-a")
	require.NoError(t, err)

	src2, err := NewFileSource(dir)
	require.NoError(t, err)
	pub2, err := src2.GetPublicKey("node-a")
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
}

func TestService_SignEventAndVerifyEvent(t *testing.T) {
	src := NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))
	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)

	svc := NewService(src)
	e := &event.CanonicalEvent{
		EventID: "event-1", EventType: event.EventTypeSystem, Timestamp: 1,
		DeviceID: "device-1", NodeID: "node-a", Sequence: 1, ChainHeight: 1,
		Payload: event.EventPayload{System: &event.SystemPayload{Subtype: event.SystemStartup, Message: "boot"}},
	}

	signed, err := svc.SignEvent(handle, e)
	require.NoError(t, err)
	assert.True(t, signed.IsSigned())

	ok, err := svc.VerifyEvent(signed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_VerifyEvent_RejectsTamperedSignature(t *testing.T) {
	src := NewMemorySource()
	require.NoError(t, src.GenerateKey("node-a"))
	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)

	svc := NewService(src)
	e := &event.CanonicalEvent{
		EventID: "event-1", EventType: event.EventTypeSystem, Timestamp: 1,
		DeviceID: "device-1", NodeID: "node-a", Sequence: 1, ChainHeight: 1,
		Payload: event.EventPayload{System: &event.SystemPayload{Subtype: event.SystemStartup, Message: "boot"}},
	}
	signed, err := svc.SignEvent(handle, e)
	require.NoError(t, err)

	signed.Signature = signed.Signature[:len(signed.Signature)-2] + "00"
	ok, err := svc.VerifyEvent(signed)
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeTPM struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFakeTPM() *fakeTPM {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	return &fakeTPM{pub: pub, priv: priv}
}

func (f *fakeTPM) GenerateAttestationKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error) {
	return f.pub, nil
}
func (f *fakeTPM) PublicKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error) {
	return f.pub, nil
}
func (f *fakeTPM) SignWithAK(ctx context.Context, nodeID string, data []byte) ([]byte, error) {
	return ed25519.Sign(f.priv, data), nil
}
func (f *fakeTPM) RotateAttestationKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	f.pub, f.priv = pub, priv
	return pub, nil
}

func TestTPMSource_NeverExposesPrivateKey(t *testing.T) {
	driver := newFakeTPM()
	src := NewTPMSource(context.Background(), driver)

	require.NoError(t, src.GenerateKey("node-a"))
	handle, err := src.GetSigningHandle("node-a")
	require.NoError(t, err)

	sig, err := src.Sign(handle, []byte("data"))
	require.NoError(t, err)

	pub, err := src.GetPublicKey("node-a")
	require.NoError(t, err)
	assert.True(t, src.Verify(pub, []byte("data"), sig))
}
