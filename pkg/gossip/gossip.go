// Package gossip implements Trust-Mesh Gossip (C7): epidemic propagation of
// Merkle-root checkpoints between peers, with hop-count and age bounds,
// message dedup, and a majority-vote consensus view across observed peers.
package gossip

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var messagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trustfabric_gossip_messages_total",
	Help: "Gossip messages processed, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(messagesProcessed)
}

const (
	// DefaultMaxHops bounds how many times a message may be re-forwarded.
	DefaultMaxHops = 10
	// DefaultMaxMessageAge bounds how stale a message may be before it is
	// dropped rather than processed or forwarded.
	DefaultMaxMessageAge = 60 * time.Second
	// DefaultMaxSeenMessages bounds the dedup set before it is pruned.
	DefaultMaxSeenMessages = 10000
)

// Message is one gossiped checkpoint announcement.
type Message struct {
	MsgID       string `json:"msg_id"`
	SourceNode  string `json:"source_node"`
	MerkleRoot  string `json:"merkle_root"`
	BlockHeight uint64 `json:"block_height"`
	Timestamp   uint64 `json:"timestamp"` // unix millis
	Signature   string `json:"signature"`
	HopCount    int    `json:"hop_count"`
}

// PeerState is the last-observed checkpoint for one peer.
type PeerState struct {
	NodeID      string
	MerkleRoot  string
	BlockHeight uint64
	LastSeen    uint64
}

// Outcome classifies what processing a message resulted in.
type Outcome string

const (
	OutcomeAccepted     Outcome = "ACCEPTED"
	OutcomeDuplicate    Outcome = "DUPLICATE"
	OutcomeTooOld       Outcome = "TOO_OLD"
	OutcomeTooManyHops  Outcome = "TOO_MANY_HOPS"
	OutcomeConflict     Outcome = "CONFLICT"
	OutcomePeerAhead    Outcome = "PEER_AHEAD"
	OutcomeBadSignature Outcome = "BAD_SIGNATURE"
)

// Whisper is one node's view of the trust mesh: the set of messages it has
// already seen, and the last-known state of every peer it has heard from.
type Whisper struct {
	mu               sync.Mutex
	nodeID           string
	localMerkleRoot  string
	localBlockHeight uint64
	seenMessages     map[string]struct{}
	peerStates       map[string]*PeerState
	maxHops          int
	maxMessageAge    time.Duration

	// onComparison feeds the node-health engine: invoked once per
	// same-height root comparison against a peer, outside the whisper lock.
	onComparison func(sourceNode string, agreed bool)
}

// SetComparisonSink registers the callback invoked for every same-height
// root comparison: agreed=true on a matching root, false on a conflict.
// This is C8's primary gossip feed.
func (w *Whisper) SetComparisonSink(fn func(sourceNode string, agreed bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onComparison = fn
}

// WhisperOption configures a Whisper.
type WhisperOption func(*Whisper)

// WithBounds overrides the default hop-count and message-age bounds.
func WithBounds(maxHops int, maxMessageAge time.Duration) WhisperOption {
	return func(w *Whisper) {
		if maxHops > 0 {
			w.maxHops = maxHops
		}
		if maxMessageAge > 0 {
			w.maxMessageAge = maxMessageAge
		}
	}
}

// NewWhisper returns a gossip view for nodeID with default bounds.
func NewWhisper(nodeID string, opts ...WhisperOption) *Whisper {
	w := &Whisper{
		nodeID:        nodeID,
		seenMessages:  make(map[string]struct{}),
		peerStates:    make(map[string]*PeerState),
		maxHops:       DefaultMaxHops,
		maxMessageAge: DefaultMaxMessageAge,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetLocalState updates this node's own checkpoint, used as the baseline
// for conflict/peer-ahead comparisons against incoming messages.
func (w *Whisper) SetLocalState(merkleRoot string, blockHeight uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.localMerkleRoot = merkleRoot
	w.localBlockHeight = blockHeight
}

// ProcessMessage runs msg through the gossip pipeline in order: age check,
// hop-count check, dedup check, mark-seen + update peer state, then
// conflict/peer-ahead comparison against local state. It returns the
// message to forward (hop_count incremented) on OutcomeAccepted,
// OutcomeConflict and OutcomePeerAhead, and nil for a dropped message.
func (w *Whisper) ProcessMessage(msg Message, nowMillis uint64) (Outcome, *Message) {
	w.mu.Lock()

	age := time.Duration(int64(nowMillis)-int64(msg.Timestamp)) * time.Millisecond
	if age < 0 {
		age = -age
	}
	if age > w.maxMessageAge {
		w.mu.Unlock()
		messagesProcessed.WithLabelValues(string(OutcomeTooOld)).Inc()
		return OutcomeTooOld, nil
	}

	if msg.HopCount >= w.maxHops {
		w.mu.Unlock()
		messagesProcessed.WithLabelValues(string(OutcomeTooManyHops)).Inc()
		return OutcomeTooManyHops, nil
	}

	if _, seen := w.seenMessages[msg.MsgID]; seen {
		w.mu.Unlock()
		messagesProcessed.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}
	w.seenMessages[msg.MsgID] = struct{}{}
	w.peerStates[msg.SourceNode] = &PeerState{
		NodeID:      msg.SourceNode,
		MerkleRoot:  msg.MerkleRoot,
		BlockHeight: msg.BlockHeight,
		LastSeen:    nowMillis,
	}

	outcome := OutcomeAccepted
	sameHeight := msg.BlockHeight == w.localBlockHeight
	agreed := sameHeight && msg.MerkleRoot == w.localMerkleRoot
	if sameHeight && !agreed {
		outcome = OutcomeConflict
	} else if msg.BlockHeight > w.localBlockHeight {
		outcome = OutcomePeerAhead
	}
	cb := w.onComparison
	w.mu.Unlock()

	if sameHeight && cb != nil && msg.SourceNode != w.nodeID {
		cb(msg.SourceNode, agreed)
	}

	messagesProcessed.WithLabelValues(string(outcome)).Inc()
	forwarded := msg
	forwarded.HopCount++
	return outcome, &forwarded
}

// ConsensusView is the majority-agreed (merkle_root, block_height) pair
// across every peer this node has heard from, including itself.
type ConsensusView struct {
	MerkleRoot  string
	BlockHeight uint64
	Agreeing    int
	Total       int
}

// GetConsensusView tallies votes across all known peer states plus this
// node's own local state and returns the plurality winner.
func (w *Whisper) GetConsensusView() ConsensusView {
	w.mu.Lock()
	defer w.mu.Unlock()

	type tally struct {
		root   string
		height uint64
		count  int
	}
	votes := make(map[string]*tally)

	vote := func(root string, height uint64) {
		key := root
		if t, ok := votes[key]; ok {
			t.count++
		} else {
			votes[key] = &tally{root: root, height: height, count: 1}
		}
	}

	vote(w.localMerkleRoot, w.localBlockHeight)
	for _, ps := range w.peerStates {
		vote(ps.MerkleRoot, ps.BlockHeight)
	}

	var best *tally
	total := 0
	for _, t := range votes {
		total += t.count
		if best == nil || t.count > best.count {
			best = t
		}
	}
	if best == nil {
		return ConsensusView{}
	}
	return ConsensusView{MerkleRoot: best.root, BlockHeight: best.height, Agreeing: best.count, Total: total}
}

// PruneOldMessages clears the entire seen-message set once it exceeds
// maxSeen, trading a short dedup blind spot for O(1) pruning cost.
func (w *Whisper) PruneOldMessages(maxSeen int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seenMessages) <= maxSeen {
		return 0
	}
	cleared := len(w.seenMessages)
	w.seenMessages = make(map[string]struct{})
	return cleared
}

// PeerCount returns the number of distinct peers this node has heard from.
func (w *Whisper) PeerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.peerStates)
}

// PeerStateFor returns the last-known state for peerID, if any.
func (w *Whisper) PeerStateFor(peerID string) (*PeerState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ps, ok := w.peerStates[peerID]
	return ps, ok
}
