package merkle

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Window is a contiguous slice of a device's chained events being folded
// into a checkpoint.
type Window struct {
	NodeID           string
	WindowID         string
	WindowStartTS    uint64
	WindowEndTS      uint64
	EventHashes      [][]byte
	ChainHeightStart uint64
	ChainHeightEnd   uint64
}

// Checkpoint is a signed Merkle root over a Window (C3/§4.5's
// LedgerCheckpoint). Signature/PublicKey are filled by pkg/signing.
type Checkpoint struct {
	RootHash         []byte
	Signature        string
	NodeID           string
	SeqNo            uint64
	CreatedAt        uint64
	PublicKey        string
	WindowID         string
	WindowStartTS    uint64
	WindowEndTS      uint64
	ChainHeightStart uint64
	ChainHeightEnd   uint64
	EventCount       int
	Proof            *InclusionProof `json:"proof,omitempty"`
}

// ErrEmptyWindow is returned when a window carries no event hashes.
var ErrEmptyWindow = fmt.Errorf("window has no event hashes")

// Aggregator maintains the per-node monotonic checkpoint sequence and the
// produced checkpoints.
type Aggregator struct {
	nodeID      string
	nextSeqNo   uint64
	checkpoints map[uint64]*Checkpoint
}

// NewAggregator returns an aggregator for nodeID starting at seq_no 0.
func NewAggregator(nodeID string) *Aggregator {
	return &Aggregator{
		nodeID:      nodeID,
		nextSeqNo:   0,
		checkpoints: make(map[uint64]*Checkpoint),
	}
}

// BuildMerkleTree returns the BLAKE3 binary Merkle root over hashes using
// the domain-separated, odd-promotes-unchanged pairing rule. A single
// input returns itself.
func BuildMerkleTree(hashes [][]byte) ([]byte, error) {
	return Reduce(hashes)
}

// NewWindowID returns a fresh random window identifier.
func NewWindowID() string {
	return uuid.NewString()
}

// CreateCheckpoint computes the root over window.EventHashes and composes
// a Checkpoint at the aggregator's next seq_no. The signature must still
// be produced by the caller via pkg/signing over ComputeSigningHash.
func (a *Aggregator) CreateCheckpoint(window Window, publicKey string, createdAt uint64) (*Checkpoint, error) {
	if len(window.EventHashes) == 0 {
		return nil, ErrEmptyWindow
	}
	if window.ChainHeightEnd < window.ChainHeightStart {
		return nil, fmt.Errorf("chain height end %d precedes start %d", window.ChainHeightEnd, window.ChainHeightStart)
	}

	root, err := BuildMerkleTree(window.EventHashes)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		RootHash:         root,
		NodeID:           window.NodeID,
		SeqNo:            a.nextSeqNo,
		CreatedAt:        createdAt,
		PublicKey:        publicKey,
		WindowID:         window.WindowID,
		WindowStartTS:    window.WindowStartTS,
		WindowEndTS:      window.WindowEndTS,
		ChainHeightStart: window.ChainHeightStart,
		ChainHeightEnd:   window.ChainHeightEnd,
		EventCount:       len(window.EventHashes),
	}
	a.checkpoints[a.nextSeqNo] = cp
	a.nextSeqNo++
	return cp, nil
}

// NextSeqNo reports the seq_no the next checkpoint will be assigned.
func (a *Aggregator) NextSeqNo() uint64 { return a.nextSeqNo }

// ComputeSigningHash returns the BLAKE3 digest of the canonical
// colon-joined tuple C2 must sign:
// node_id:seq_no:root_hash:window_start:window_end:event_count:chain_height_start:chain_height_end:created_at
func (cp *Checkpoint) ComputeSigningHash() []byte {
	tuple := fmt.Sprintf("%s:%d:%x:%d:%d:%d:%d:%d:%d",
		cp.NodeID, cp.SeqNo, cp.RootHash, cp.WindowStartTS, cp.WindowEndTS,
		cp.EventCount, cp.ChainHeightStart, cp.ChainHeightEnd, cp.CreatedAt)
	return HashData([]byte(tuple))
}

// VerifyContinuity reports whether checkpoints' seq_no values form a dense
// ascending run (n, n+1, n+2, ...) with no gaps or duplicates. The run may
// start at any seq_no.
func VerifyContinuity(checkpoints []*Checkpoint) bool {
	if len(checkpoints) == 0 {
		return true
	}
	seqs := make([]uint64, len(checkpoints))
	for i, cp := range checkpoints {
		seqs[i] = cp.SeqNo
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			return false // gap or duplicate
		}
	}
	return true
}

// DetectGaps returns the sorted list of seq_no values missing from the
// union spanned by checkpoints (min..max inclusive).
func DetectGaps(checkpoints []*Checkpoint) []uint64 {
	if len(checkpoints) == 0 {
		return nil
	}
	present := make(map[uint64]bool, len(checkpoints))
	min, max := checkpoints[0].SeqNo, checkpoints[0].SeqNo
	for _, cp := range checkpoints {
		present[cp.SeqNo] = true
		if cp.SeqNo < min {
			min = cp.SeqNo
		}
		if cp.SeqNo > max {
			max = cp.SeqNo
		}
	}
	var gaps []uint64
	for s := min; s <= max; s++ {
		if !present[s] {
			gaps = append(gaps, s)
		}
	}
	return gaps
}
