// Package signing implements the Key & Signing Service (C2): a capability
// set for Ed25519 signing and verification, polymorphic over where the
// private key material actually lives. No code path in this package ever
// dereferences a TPM-resident private key directly; the TPM variant is
// modeled as message-passing to an external signing handle.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/event"
)

// Handle identifies a signing key without exposing its bytes. For the
// in-memory and file-backed sources the handle happens to carry the node
// ID; for a TPM-backed source it would carry whatever opaque reference the
// TPM driver issues.
type Handle struct {
	NodeID string
}

// Source is the capability set every key backend implements.
type Source interface {
	GenerateKey(nodeID string) error
	GetSigningHandle(nodeID string) (Handle, error)
	GetPublicKey(nodeID string) (ed25519.PublicKey, error)
	RotateKey(nodeID string) error
	Sign(handle Handle, data []byte) ([]byte, error)
	Verify(publicKey ed25519.PublicKey, data, signature []byte) bool
}

// Service wraps a Source with the event-level sign/verify contract.
type Service struct {
	source Source
	logger *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default bracket-prefixed logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wraps source with the standard logging convention.
func NewService(source Source, opts ...Option) *Service {
	s := &Service{
		source: source,
		logger: log.New(log.Writer(), "[Signing] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify performs a constant-time Ed25519 verification. ed25519.Verify is
// itself constant-time over the signature comparison.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// SignRaw is the low-latency path for hot telemetry where the caller
// already hashed the payload: it signs the given bytes directly via the
// handle's key source, with no event-level bookkeeping.
func (s *Service) SignRaw(handle Handle, data []byte) ([]byte, error) {
	sig, err := s.source.Sign(handle, data)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "sign_raw failed", err)
	}
	return sig, nil
}

// SignEvent fills e.Hash if empty, signs the raw hash bytes (not the
// canonical text), and stores hex(signature)/hex(public_key) on e.
func (s *Service) SignEvent(handle Handle, e *event.CanonicalEvent) (*event.CanonicalEvent, error) {
	if e.Hash == "" {
		h, err := e.ComputeHash()
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "compute hash before signing", err)
		}
		e.Hash = h
	}

	signBytes, err := e.SigningBytes()
	if err != nil {
		return nil, err
	}

	sig, err := s.source.Sign(handle, signBytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "sign event failed", err)
	}

	pub, err := s.source.GetPublicKey(handle.NodeID)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "get public key failed", err)
	}

	e.Signature = hex.EncodeToString(sig)
	e.PublicKey = hex.EncodeToString(pub)
	return e, nil
}

// VerifyEvent returns true only when the stored hash matches the
// canonical form and the signature verifies against the stored public key
// over the raw hash bytes. Any decode error surfaces as InvalidKey.
func (s *Service) VerifyEvent(e *event.CanonicalEvent) (bool, error) {
	hashOK, err := e.VerifyHash()
	if err != nil {
		return false, err
	}
	if !hashOK {
		return false, nil
	}
	if !e.IsSigned() {
		return false, nil
	}

	sigBytes, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false, errs.Wrap(errs.KindSignature, "invalid signature hex", err)
	}
	pubBytes, err := hex.DecodeString(e.PublicKey)
	if err != nil {
		return false, errs.Wrap(errs.KindSignature, "invalid public key hex", err)
	}

	signBytes, err := e.SigningBytes()
	if err != nil {
		return false, err
	}

	return Verify(ed25519.PublicKey(pubBytes), signBytes, sigBytes), nil
}

// GenerateRandomBytes returns n cryptographically random bytes, used by
// callers that need a fresh nonce/challenge without depending on a key
// source.
func GenerateRandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, errs.Wrap(errs.KindState, "generate random bytes", err)
	}
	return buf, nil
}
