// Package chain implements the Chain Builder (C3): per-device hash-linked
// event sequences with power-of-two skip links for fast continuity
// verification, and a rolling Merkle root over each device's event hashes.
package chain

import (
	"encoding/hex"
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/merkle"
)

// Link is one entry in a device's hash chain.
type Link struct {
	Sequence   uint64
	EventHash  string
	PrevHash   string
	SkipLinks  map[uint64]string // distance -> event hash at sequence-distance
	MerkleRoot string            // rolling root over all event hashes up to this link
}

// Chain is the ordered, hash-linked sequence of events for a single device.
type Chain struct {
	mu       sync.Mutex
	deviceID string
	links    []*Link
	byHash   map[string]*Link
	hashes   [][]byte // ordered raw hashes, feeds the rolling Merkle root
}

// NewChain returns an empty chain for deviceID.
func NewChain(deviceID string) *Chain {
	return &Chain{
		deviceID: deviceID,
		byHash:   make(map[string]*Link),
	}
}

// DeviceID returns the device this chain tracks.
func (c *Chain) DeviceID() string { return c.deviceID }

// Height returns the number of links appended so far.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.links))
}

// Head returns the most recent link, or nil if the chain is empty.
func (c *Chain) Head() *Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return nil
	}
	return c.links[len(c.links)-1]
}

// skipDistances returns {1,2,4,8,...,2^k} for every 2^k <= sequence.
func skipDistances(sequence uint64) []uint64 {
	var distances []uint64
	for d := uint64(1); d <= sequence; d *= 2 {
		distances = append(distances, d)
	}
	return distances
}

// Append validates e against the chain's current head and records it as
// the next link. e.Sequence must be head.Sequence+1 (or 0 for the first
// event) and e.PrevHash must equal the head's event hash.
func (c *Chain) Append(e *event.CanonicalEvent) (*Link, error) {
	if !e.IsSigned() {
		return nil, errs.New(errs.KindValidation, "event must be signed before chain append")
	}
	hashOK, err := e.VerifyHash()
	if err != nil {
		return nil, err
	}
	if !hashOK {
		return nil, errs.New(errs.KindIntegrity, "event hash does not match canonical form")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expectedSeq := uint64(len(c.links))
	if e.Sequence != expectedSeq {
		return nil, errs.New(errs.KindValidation, "out-of-order sequence in chain append")
	}

	var expectedPrev string
	if len(c.links) > 0 {
		expectedPrev = c.links[len(c.links)-1].EventHash
	}
	if e.PrevHash != expectedPrev {
		return nil, errs.New(errs.KindIntegrity, "prev_hash does not match chain head")
	}

	rawHash, err := hex.DecodeString(e.Hash)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid event hash hex", err)
	}

	c.hashes = append(c.hashes, rawHash)
	root, err := merkle.Reduce(c.hashes)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "recompute chain merkle root", err)
	}

	skipLinks := make(map[uint64]string)
	for _, d := range skipDistances(e.Sequence) {
		idx := e.Sequence - d
		skipLinks[d] = c.links[idx].EventHash
	}

	link := &Link{
		Sequence:   e.Sequence,
		EventHash:  e.Hash,
		PrevHash:   e.PrevHash,
		SkipLinks:  skipLinks,
		MerkleRoot: hex.EncodeToString(root),
	}
	c.links = append(c.links, link)
	c.byHash[e.Hash] = link
	return link, nil
}

// VerifyContinuity walks the whole chain checking every prev_hash link.
func (c *Chain) VerifyContinuity() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prev string
	for i, link := range c.links {
		if link.Sequence != uint64(i) {
			return errs.New(errs.KindIntegrity, "sequence gap detected in chain")
		}
		if link.PrevHash != prev {
			return errs.New(errs.KindIntegrity, "broken prev_hash link detected in chain")
		}
		prev = link.EventHash
	}
	return nil
}

// VerifySkipLinks checks that every skip link on every recorded entry still
// points at the event hash actually recorded at that earlier sequence.
func (c *Chain) VerifySkipLinks() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, link := range c.links {
		for d, hash := range link.SkipLinks {
			if d > link.Sequence {
				return errs.New(errs.KindIntegrity, "skip link distance exceeds sequence")
			}
			target := c.links[link.Sequence-d]
			if target.EventHash != hash {
				return errs.New(errs.KindIntegrity, "skip link points at wrong event hash")
			}
		}
	}
	return nil
}

// LinkBySequence returns the link recorded at the given sequence number.
func (c *Chain) LinkBySequence(sequence uint64) (*Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sequence >= uint64(len(c.links)) {
		return nil, false
	}
	return c.links[sequence], true
}

// LinkByHash returns the link recorded for the given event hash.
func (c *Chain) LinkByHash(hash string) (*Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.byHash[hash]
	return link, ok
}
