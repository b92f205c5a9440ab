package gossip

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/aethercore/trustfabric/pkg/errs"
)

// BunkerState is the connectivity state a node cycles through when it
// loses and regains contact with the trust mesh.
type BunkerState string

const (
	BunkerConnected BunkerState = "CONNECTED"
	BunkerIsolated  BunkerState = "ISOLATED"
	BunkerSyncing   BunkerState = "SYNCING"
)

// BufferedMessage is a gossip message captured while isolated, pending
// replay once connectivity is restored.
type BufferedMessage struct {
	Seq     uint64  `json:"seq"`
	Message Message `json:"message"`
	Synced  bool    `json:"synced"`
}

// bunkerKV is the slice of the kvdb contract Bunker needs.
type bunkerKV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Iterator(start, end []byte) (dbm.Iterator, error)
}

// Bunker buffers gossip messages captured while a node is isolated from
// the mesh, keyed under a per-node prefix in the shared KV store rather
// than a dedicated database. Transitions: Connected -> Isolated -> Syncing
// -> Connected.
type Bunker struct {
	mu      sync.Mutex
	nodeID  string
	kv      bunkerKV
	state   BunkerState
	nextSeq uint64
}

// NewBunker returns a Connected-state buffer for nodeID over kv.
func NewBunker(nodeID string, kv bunkerKV) *Bunker {
	return &Bunker{nodeID: nodeID, kv: kv, state: BunkerConnected}
}

func (b *Bunker) keyPrefix() string { return "bunker/" + b.nodeID + "/" }

func (b *Bunker) key(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return append([]byte(b.keyPrefix()), buf...)
}

// State returns the bunker's current connectivity state.
func (b *Bunker) State() BunkerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GoIsolated transitions Connected -> Isolated, after which messages are
// buffered rather than gossiped live.
func (b *Bunker) GoIsolated() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BunkerConnected {
		return errs.New(errs.KindState, "bunker is not connected")
	}
	b.state = BunkerIsolated
	return nil
}

// Buffer persists msg under the next sequence number while isolated.
func (b *Bunker) Buffer(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BunkerIsolated {
		return errs.New(errs.KindState, "bunker only buffers while isolated")
	}
	entry := BufferedMessage{Seq: b.nextSeq, Message: msg, Synced: false}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindState, "encode buffered gossip message", err)
	}
	if err := b.kv.Set(b.key(entry.Seq), raw); err != nil {
		return errs.Wrap(errs.KindTransport, "persist buffered gossip message", err)
	}
	b.nextSeq++
	return nil
}

// BeginSync transitions Isolated -> Syncing, the node preparing to replay
// its buffered messages against the mesh it has reconnected to.
func (b *Bunker) BeginSync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BunkerIsolated {
		return errs.New(errs.KindState, "bunker is not isolated")
	}
	b.state = BunkerSyncing
	return nil
}

// Pending returns every buffered message not yet marked synced, in
// ascending sequence order.
func (b *Bunker) Pending() ([]BufferedMessage, error) {
	prefix := []byte(b.keyPrefix())
	end := append(append([]byte{}, prefix...), 0xFF)
	it, err := b.kv.Iterator(prefix, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "open bunker iterator", err)
	}
	defer it.Close()

	var pending []BufferedMessage
	for ; it.Valid(); it.Next() {
		var entry BufferedMessage
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			return nil, errs.Wrap(errs.KindIntegrity, "decode buffered gossip message", err)
		}
		if !entry.Synced {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// MarkSynced flags the buffered message at seq as replayed.
func (b *Bunker) MarkSynced(seq uint64) error {
	raw, err := b.kv.Get(b.key(seq))
	if err != nil {
		return errs.Wrap(errs.KindTransport, "read buffered gossip message", err)
	}
	if len(raw) == 0 {
		return errs.New(errs.KindState, "no buffered message at sequence")
	}
	var entry BufferedMessage
	if err := json.Unmarshal(raw, &entry); err != nil {
		return errs.Wrap(errs.KindIntegrity, "decode buffered gossip message", err)
	}
	entry.Synced = true
	out, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindState, "encode buffered gossip message", err)
	}
	return b.kv.Set(b.key(seq), out)
}

// CompleteSync transitions Syncing -> Connected once all pending messages
// have been replayed and marked synced.
func (b *Bunker) CompleteSync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BunkerSyncing {
		return errs.New(errs.KindState, "bunker is not syncing")
	}
	b.state = BunkerConnected
	return nil
}
