// Package gospel implements the Revocation Ledger (C9): an append-only,
// authority-signed list of revoked node IDs with a Merkle root recomputed
// on every addition, backed by the same CometBFT key-value store as the
// event ledger.
package gospel

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/merkle"
)

// maxClockSkewSeconds is the default symmetric tolerance applied when validating a
// revocation's timestamp against the local clock.
const maxClockSkewSeconds = 5

// Revocation is one entry in the Gospel.
type Revocation struct {
	NodeID          string `json:"node_id"`
	Reason          string `json:"reason"`
	Timestamp       uint64 `json:"timestamp"`
	AuthoritySig    string `json:"authority_signature"`
	AuthorityID     string `json:"authority_id"`
	MerkleRootAfter string `json:"merkle_root_after"`
}

// AuthorityVerifier checks a revocation's federation-authority signature.
// The spec leaves the federation trust model intentionally abstract; this
// interface is the seam a deployment plugs its own authority scheme into.
type AuthorityVerifier interface {
	Verify(rev Revocation) (bool, error)
}

// KV is the minimal key-value contract the ledger needs.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var (
	keyRevokedSet = []byte("gospel:revoked")
	keyRoot       = []byte("gospel:root")
)

// Ledger is the revocation ledger. Reads are safe from any goroutine;
// AddRevocation serializes itself internally.
type Ledger struct {
	mu          sync.Mutex
	kv          KV
	verifier    AuthorityVerifier
	revoked     map[string]Revocation
	root        []byte
	skewSeconds uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSkewTolerance overrides the default symmetric clock-skew tolerance
// applied to revocation timestamps.
func WithSkewTolerance(seconds uint64) Option {
	return func(l *Ledger) {
		if seconds > 0 {
			l.skewSeconds = seconds
		}
	}
}

// NewLedger wraps kv as a Gospel revocation ledger, verifying every new
// entry against verifier before it is admitted.
func NewLedger(kv KV, verifier AuthorityVerifier, opts ...Option) (*Ledger, error) {
	l := &Ledger{kv: kv, verifier: verifier, revoked: make(map[string]Revocation), skewSeconds: maxClockSkewSeconds}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	b, err := l.kv.Get(keyRevokedSet)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "load gospel revocation set", err)
	}
	if len(b) == 0 {
		return nil
	}
	var entries []Revocation
	if err := json.Unmarshal(b, &entries); err != nil {
		return errs.Wrap(errs.KindIntegrity, "decode gospel revocation set", err)
	}
	for _, e := range entries {
		l.revoked[e.NodeID] = e
	}
	root, err := l.kv.Get(keyRoot)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "load gospel root", err)
	}
	l.root = root
	return recomputeAndCompare(l)
}

func recomputeAndCompare(l *Ledger) error {
	computed, err := computeRoot(l.revoked)
	if err != nil {
		return err
	}
	if len(l.root) > 0 && hex.EncodeToString(l.root) != hex.EncodeToString(computed) {
		return errs.New(errs.KindIntegrity, "persisted gospel root does not match recomputed root")
	}
	l.root = computed
	return nil
}

func computeRoot(revoked map[string]Revocation) ([]byte, error) {
	if len(revoked) == 0 {
		return merkle.HashData([]byte("gospel:empty")), nil
	}
	ids := make([]string, 0, len(revoked))
	for id := range revoked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hashes := make([][]byte, 0, len(ids))
	for _, id := range ids {
		hashes = append(hashes, merkle.HashData([]byte(id)))
	}
	return merkle.Reduce(hashes)
}

// isWithinSkew checks rev.Timestamp against now within the symmetric
// clock-skew tolerance, in either direction.
func (l *Ledger) isWithinSkew(ts, now uint64) bool {
	var diff uint64
	if ts >= now {
		diff = ts - now
	} else {
		diff = now - ts
	}
	return diff <= l.skewSeconds
}

// AddRevocation admits rev into the ledger: it rejects duplicate or stale-
// timestamp entries, then requires rev.MerkleRootAfter to match the root
// that would result from adding it (the revocation certificate commits to
// the post-state root, so a caller cannot be handed a certificate that
// silently applies to a different ledger state), then verifies the
// authority signature, and finally appends the entry and persists the new
// root atomically from the caller's point of view (KV.Set failures leave
// in-memory state rolled back).
func (l *Ledger) AddRevocation(rev Revocation, now uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.revoked[rev.NodeID]; exists {
		return errs.New(errs.KindValidation, "node already revoked")
	}
	if !l.isWithinSkew(rev.Timestamp, now) {
		return errs.New(errs.KindValidation, "revocation timestamp outside clock-skew tolerance")
	}

	trial := make(map[string]Revocation, len(l.revoked)+1)
	for k, v := range l.revoked {
		trial[k] = v
	}
	trial[rev.NodeID] = rev

	newRoot, err := computeRoot(trial)
	if err != nil {
		return err
	}
	if rev.MerkleRootAfter == "" || rev.MerkleRootAfter != hex.EncodeToString(newRoot) {
		return errs.New(errs.KindIntegrity, "revocation merkle_root_after does not match the root the ledger would reach")
	}

	if l.verifier != nil {
		ok, err := l.verifier.Verify(rev)
		if err != nil {
			return errs.Wrap(errs.KindSignature, "verify revocation authority signature", err)
		}
		if !ok {
			return errs.New(errs.KindSignature, "revocation authority signature invalid")
		}
	}

	entries := make([]Revocation, 0, len(trial))
	for _, v := range trial {
		entries = append(entries, v)
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return errs.Wrap(errs.KindState, "encode gospel revocation set", err)
	}
	if err := l.kv.Set(keyRevokedSet, b); err != nil {
		return errs.Wrap(errs.KindTransport, "persist gospel revocation set", err)
	}
	if err := l.kv.Set(keyRoot, newRoot); err != nil {
		return errs.Wrap(errs.KindTransport, "persist gospel root", err)
	}

	l.revoked = trial
	l.root = newRoot
	return nil
}

// PreviewRootAfter returns the hex-encoded root the ledger would reach if
// nodeID were revoked next, without mutating any state. Callers use this to
// populate Revocation.MerkleRootAfter before requesting an authority
// signature over the certificate.
func (l *Ledger) PreviewRootAfter(nodeID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.revoked[nodeID]; exists {
		return "", errs.New(errs.KindValidation, "node already revoked")
	}

	trial := make(map[string]Revocation, len(l.revoked)+1)
	for k, v := range l.revoked {
		trial[k] = v
	}
	trial[nodeID] = Revocation{NodeID: nodeID}

	root, err := computeRoot(trial)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root), nil
}

// IsRevoked reports whether nodeID has an active revocation entry.
func (l *Ledger) IsRevoked(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.revoked[nodeID]
	return ok
}

// GetRevocation returns the revocation entry for nodeID, if any.
func (l *Ledger) GetRevocation(nodeID string) (Revocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev, ok := l.revoked[nodeID]
	return rev, ok
}

// Snapshot returns the current Merkle root and the full set of revoked
// node IDs, for gossiping or audit export.
func (l *Ledger) Snapshot() (root []byte, nodeIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.revoked))
	for id := range l.revoked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rootCopy := make([]byte, len(l.root))
	copy(rootCopy, l.root)
	return rootCopy, ids
}
