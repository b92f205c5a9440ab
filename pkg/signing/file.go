package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
)

// FileSource is a dev-only key source that persists hex-encoded Ed25519
// private keys under keyDir/<node_id>.key with restrictive permissions.
// Keys are read from disk on first use and cached; GenerateKey always
// writes a fresh key, replacing any existing file for that node.
type FileSource struct {
	mu     sync.RWMutex
	keyDir string
	cache  map[string]ed25519.PrivateKey
}

// NewFileSource returns a source rooted at keyDir, creating it if absent.
func NewFileSource(keyDir string) (*FileSource, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, errs.Wrap(errs.KindSignature, "create key directory", err)
	}
	return &FileSource{keyDir: keyDir, cache: make(map[string]ed25519.PrivateKey)}, nil
}

func (f *FileSource) keyPath(nodeID string) string {
	return filepath.Join(f.keyDir, nodeID+".key")
}

// GenerateFromSeed derives a deterministic key from nodeID and an
// application-supplied domain string — useful for reproducible test
// fixtures, not for production identity material.
func GenerateFromSeed(domain, nodeID string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(domain + ":" + nodeID))
	return ed25519.NewKeyFromSeed(seed[:])
}

func (f *FileSource) GenerateKey(nodeID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "generate ed25519 key", err)
	}
	return f.save(nodeID, priv)
}

func (f *FileSource) save(nodeID string, priv ed25519.PrivateKey) error {
	encoded := hex.EncodeToString(priv)
	if err := os.WriteFile(f.keyPath(nodeID), []byte(encoded), 0600); err != nil {
		return errs.Wrap(errs.KindSignature, "write key file", err)
	}
	f.mu.Lock()
	f.cache[nodeID] = priv
	f.mu.Unlock()
	return nil
}

func (f *FileSource) load(nodeID string) (ed25519.PrivateKey, error) {
	f.mu.RLock()
	if priv, ok := f.cache[nodeID]; ok {
		f.mu.RUnlock()
		return priv, nil
	}
	f.mu.RUnlock()

	raw, err := os.ReadFile(f.keyPath(nodeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, errs.Wrap(errs.KindSignature, "read key file", err)
	}
	priv, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "decode key file", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}

	f.mu.Lock()
	f.cache[nodeID] = priv
	f.mu.Unlock()
	return priv, nil
}

func (f *FileSource) GetSigningHandle(nodeID string) (Handle, error) {
	if _, err := f.load(nodeID); err != nil {
		return Handle{}, err
	}
	return Handle{NodeID: nodeID}, nil
}

func (f *FileSource) GetPublicKey(nodeID string) (ed25519.PublicKey, error) {
	priv, err := f.load(nodeID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (f *FileSource) RotateKey(nodeID string) error {
	if _, err := f.load(nodeID); err != nil {
		return err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "rotate key", err)
	}
	return f.save(nodeID, priv)
}

func (f *FileSource) Sign(handle Handle, data []byte) ([]byte, error) {
	priv, err := f.load(handle.NodeID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

func (f *FileSource) Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	return Verify(publicKey, data, signature)
}
