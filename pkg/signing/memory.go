package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
)

// Sentinel errors per the C2 failure taxonomy.
var (
	ErrKeyNotFound        = errs.New(errs.KindSignature, "key not found")
	ErrSignatureFailed    = errs.New(errs.KindSignature, "signature generation failed")
	ErrVerificationFailed = errs.New(errs.KindSignature, "verification failed")
	ErrInvalidKey         = errs.New(errs.KindSignature, "invalid key material")
	ErrKeyManagement      = errs.New(errs.KindSignature, "key management failed")
)

// MemorySource is the in-memory key source used for tests and single-
// process nodes where key material may legitimately live in the process.
type MemorySource struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewMemorySource returns an empty in-memory key source.
func NewMemorySource() *MemorySource {
	return &MemorySource{keys: make(map[string]ed25519.PrivateKey)}
}

func (m *MemorySource) GenerateKey(nodeID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "generate ed25519 key", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[nodeID] = priv
	return nil
}

func (m *MemorySource) GetSigningHandle(nodeID string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.keys[nodeID]; !ok {
		return Handle{}, ErrKeyNotFound
	}
	return Handle{NodeID: nodeID}, nil
}

func (m *MemorySource) GetPublicKey(nodeID string) (ed25519.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	priv, ok := m.keys[nodeID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (m *MemorySource) RotateKey(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[nodeID]; !ok {
		return ErrKeyNotFound
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "rotate key", err)
	}
	m.keys[nodeID] = priv
	return nil
}

func (m *MemorySource) Sign(handle Handle, data []byte) ([]byte, error) {
	m.mu.RLock()
	priv, ok := m.keys[handle.NodeID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return ed25519.Sign(priv, data), nil
}

func (m *MemorySource) Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	return Verify(publicKey, data, signature)
}
