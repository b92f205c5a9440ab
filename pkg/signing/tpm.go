package signing

import (
	"context"
	"crypto/ed25519"

	"github.com/aethercore/trustfabric/pkg/errs"
)

// TPMDriver is the message-passing boundary to a hardware secure element.
// No implementation in this package ever holds the private key bytes the
// driver operates on; every call crosses to the TPM and returns only
// public artifacts (signatures, public keys, quotes).
type TPMDriver interface {
	// GenerateAttestationKey asks the TPM to create a new signing key for
	// nodeID, returning only its public key.
	GenerateAttestationKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error)
	// PublicKey returns the public key for an existing TPM-resident key.
	PublicKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error)
	// SignWithAK asks the TPM to sign data under nodeID's attestation key.
	SignWithAK(ctx context.Context, nodeID string, data []byte) ([]byte, error)
	// RotateAttestationKey asks the TPM to replace nodeID's key in place.
	RotateAttestationKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error)
}

// TPMSource adapts a TPMDriver to the Source capability set. Sign/Verify
// here are synchronous wrappers over what is, in a real deployment, a
// suspension point (communication with the secure element); callers on
// the hot path should prefer the context-aware methods directly on the
// driver when available.
type TPMSource struct {
	driver TPMDriver
	ctx    context.Context
}

// NewTPMSource wraps driver for use as a Source. ctx bounds every call
// made through it; callers needing per-call deadlines should talk to the
// driver directly instead of going through the Source interface.
func NewTPMSource(ctx context.Context, driver TPMDriver) *TPMSource {
	return &TPMSource{driver: driver, ctx: ctx}
}

func (t *TPMSource) GenerateKey(nodeID string) error {
	_, err := t.driver.GenerateAttestationKey(t.ctx, nodeID)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "tpm generate attestation key", err)
	}
	return nil
}

func (t *TPMSource) GetSigningHandle(nodeID string) (Handle, error) {
	if _, err := t.driver.PublicKey(t.ctx, nodeID); err != nil {
		return Handle{}, errs.Wrap(errs.KindSignature, "tpm key not available", err)
	}
	return Handle{NodeID: nodeID}, nil
}

func (t *TPMSource) GetPublicKey(nodeID string) (ed25519.PublicKey, error) {
	pub, err := t.driver.PublicKey(t.ctx, nodeID)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "tpm get public key", err)
	}
	return pub, nil
}

func (t *TPMSource) RotateKey(nodeID string) error {
	_, err := t.driver.RotateAttestationKey(t.ctx, nodeID)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "tpm rotate key", err)
	}
	return nil
}

func (t *TPMSource) Sign(handle Handle, data []byte) ([]byte, error) {
	sig, err := t.driver.SignWithAK(t.ctx, handle.NodeID, data)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "tpm sign", err)
	}
	return sig, nil
}

func (t *TPMSource) Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	return Verify(publicKey, data, signature)
}
