// Package identity implements Identity & Attestation (C6): a registry of
// platform identities, each carrying an attestation variant with a fixed
// trust score, and the mutual-attestation handshake state machine nodes run
// through before admitting a peer into the trust mesh.
package identity

import (
	"sync"
	"time"

	"github.com/aethercore/trustfabric/pkg/errs"
)

// AttestationVariant classifies the hardware/software root of trust a node
// identity is backed by.
type AttestationVariant string

const (
	VariantTPM      AttestationVariant = "TPM"
	VariantSoftware AttestationVariant = "SOFTWARE"
	VariantAndroid  AttestationVariant = "ANDROID"
	VariantNone     AttestationVariant = "NONE"
)

// TrustScore returns the fixed trust weight for this attestation variant.
func (v AttestationVariant) TrustScore() float64 {
	switch v {
	case VariantTPM:
		return 1.0
	case VariantSoftware:
		return 0.9
	case VariantAndroid:
		return 0.7
	default:
		return 0.0
	}
}

// PlatformIdentity is one enrolled node's identity record.
type PlatformIdentity struct {
	NodeID       string             `json:"node_id"`
	PublicKey    string             `json:"public_key"`
	Variant      AttestationVariant `json:"variant"`
	EnrolledAt   uint64             `json:"enrolled_at"`
	PCRValues    map[int]string     `json:"pcr_values,omitempty"` // TPM-backed only
	LastVerified uint64             `json:"last_verified,omitempty"`
}

// EnrollmentContext carries what a node presented when requesting
// enrollment, before it becomes a PlatformIdentity.
type EnrollmentContext struct {
	NodeID    string
	PublicKey string
	Variant   AttestationVariant
	PCRValues map[int]string
	Quote     []byte // TPM quote bytes, when Variant == VariantTPM
	Timestamp uint64
}

// AuditEntry records one registry event for later inspection.
type AuditEntry struct {
	NodeID    string
	Action    string
	Timestamp uint64
	Detail    string
}

// Registry holds enrolled platform identities and an append-only audit
// trail of enrollment/attestation activity.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*PlatformIdentity
	revoked    map[string]string // node id -> revocation reason
	audit      []AuditEntry
	seenNonces map[string]struct{}
}

// NewRegistry returns an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]*PlatformIdentity),
		revoked:    make(map[string]string),
		seenNonces: make(map[string]struct{}),
	}
}

func (r *Registry) record(nodeID, action, detail string, ts uint64) {
	r.audit = append(r.audit, AuditEntry{NodeID: nodeID, Action: action, Detail: detail, Timestamp: ts})
}

// Audit appends an arbitrary audit entry to nodeID's trail without
// exposing the registry's identity map.
func (r *Registry) Audit(nodeID, action, detail string, ts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(nodeID, action, detail, ts)
}

// SeenNonce reports whether nonce has already been consumed for nodeID and
// records it as consumed if not.
func (r *Registry) SeenNonce(nodeID, nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nodeID + ":" + nonce
	if _, ok := r.seenNonces[key]; ok {
		return true
	}
	r.seenNonces[key] = struct{}{}
	return false
}

// Enroll admits a new platform identity from ctx. Re-enrollment of an
// already-known node is rejected; the registry has no method that replaces
// an enrolled node's key material.
func (r *Registry) Enroll(ctx EnrollmentContext) (*PlatformIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.identities[ctx.NodeID]; exists {
		return nil, errs.New(errs.KindState, "node already enrolled")
	}
	if _, wasRevoked := r.revoked[ctx.NodeID]; wasRevoked {
		return nil, errs.New(errs.KindState, "node identity is revoked")
	}
	if ctx.Variant == VariantTPM && len(ctx.PCRValues) == 0 {
		return nil, errs.New(errs.KindValidation, "tpm enrollment requires pcr values")
	}

	id := &PlatformIdentity{
		NodeID:     ctx.NodeID,
		PublicKey:  ctx.PublicKey,
		Variant:    ctx.Variant,
		EnrolledAt: ctx.Timestamp,
		PCRValues:  ctx.PCRValues,
	}
	r.identities[ctx.NodeID] = id
	r.record(ctx.NodeID, "enroll", string(ctx.Variant), ctx.Timestamp)
	return id, nil
}

// Get returns the identity for nodeID, if enrolled.
func (r *Registry) Get(nodeID string) (*PlatformIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[nodeID]
	return id, ok
}

// MarkVerified records a successful attestation check at timestamp ts.
func (r *Registry) MarkVerified(nodeID string, ts uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[nodeID]
	if !ok {
		return errs.New(errs.KindState, "node not enrolled")
	}
	id.LastVerified = ts
	r.record(nodeID, "verified", "", ts)
	return nil
}

// Verify checks nodeID's standing and returns its intrinsic trust score:
// revoked or unenrolled nodes are rejected, a None attestation verifies
// with zero trust, everything else scores by attestation variant.
func (r *Registry) Verify(nodeID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reason, wasRevoked := r.revoked[nodeID]; wasRevoked {
		return 0, errs.New(errs.KindState, "node identity is revoked: "+reason)
	}
	id, ok := r.identities[nodeID]
	if !ok {
		return 0, errs.New(errs.KindState, "node not enrolled")
	}
	return id.Variant.TrustScore(), nil
}

// IsRevoked reports whether nodeID's identity has been revoked.
func (r *Registry) IsRevoked(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[nodeID]
	return ok
}

// Revoke removes a node's identity from the registry and bars it from
// re-enrolling. Callers are responsible for also recording the revocation
// in pkg/gospel.
func (r *Registry) Revoke(nodeID string, ts uint64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, nodeID)
	r.revoked[nodeID] = reason
	r.record(nodeID, "revoke", reason, ts)
}

// AuditTrail returns a copy of every recorded registry event.
func (r *Registry) AuditTrail() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditEntry, len(r.audit))
	copy(out, r.audit)
	return out
}

// StaleAfter reports whether nodeID's last verification is older than
// maxAge relative to now (both in the same epoch, normally Unix seconds).
func (r *Registry) StaleAfter(nodeID string, now uint64, maxAge time.Duration) (bool, error) {
	id, ok := r.Get(nodeID)
	if !ok {
		return false, errs.New(errs.KindState, "node not enrolled")
	}
	if id.LastVerified == 0 {
		return true, nil
	}
	age := now - id.LastVerified
	return age > uint64(maxAge.Seconds()), nil
}
