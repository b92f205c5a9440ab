package gossip

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/merkle"
	"github.com/aethercore/trustfabric/pkg/signing"
	"lukechampine.com/blake3"
)

// BodyKind tags the variant carried inside a gossip envelope.
type BodyKind string

const (
	BodyCheckpoint  BodyKind = "CHECKPOINT"
	BodyChainProof  BodyKind = "CHAIN_PROOF"
	BodyStateUpdate BodyKind = "STATE_UPDATE"
)

// CheckpointBody announces a signed ledger checkpoint.
type CheckpointBody struct {
	Checkpoint merkle.Checkpoint `json:"checkpoint"`
}

// ChainProofBody announces a device chain's head and length, letting peers
// detect stragglers without shipping the whole chain.
type ChainProofBody struct {
	NodeID   string `json:"node_id"`
	DeviceID string `json:"device_id"`
	HeadHash string `json:"head_hash"`
	Length   uint64 `json:"length"`
}

// StateUpdateBody announces a node's current aggregate state.
type StateUpdateBody struct {
	MerkleRoot  string `json:"merkle_root"`
	BlockHeight uint64 `json:"block_height"`
}

// Envelope is the signed outer frame every gossiped message travels in.
// Body is the serialized variant named by Kind; the signature covers the
// envelope's canonical form and is verified against the source node's
// registered identity before the body is processed.
type Envelope struct {
	MsgID       string          `json:"msg_id"`
	SourceNode  string          `json:"source_node"`
	TimestampMS uint64          `json:"timestamp_ms"`
	HopCount    int             `json:"hop_count"`
	Kind        BodyKind        `json:"kind"`
	Body        json.RawMessage `json:"body"`
	Signature   string          `json:"signature"`
}

// NewEnvelope frames body for gossiping from sourceNode. The envelope is
// unsigned until Sign is called.
func NewEnvelope(kind BodyKind, body interface{}, sourceNode string, nowMS uint64) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "encode gossip body", err)
	}
	return &Envelope{
		MsgID:       uuid.NewString(),
		SourceNode:  sourceNode,
		TimestampMS: nowMS,
		Kind:        kind,
		Body:        raw,
	}, nil
}

// SigningBytes returns the BLAKE3 digest of the envelope's canonical form,
// excluding the signature and the hop count (which forwarding mutates).
func (e *Envelope) SigningBytes() ([]byte, error) {
	canon, err := event.CanonicalJSON(map[string]interface{}{
		"body":         json.RawMessage(e.Body),
		"kind":         e.Kind,
		"msg_id":       e.MsgID,
		"source_node":  e.SourceNode,
		"timestamp_ms": e.TimestampMS,
	})
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(canon)
	return sum[:], nil
}

// Sign fills the envelope's signature using the source node's key.
func (e *Envelope) Sign(svc *signing.Service, handle signing.Handle) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := svc.SignRaw(handle, data)
	if err != nil {
		return err
	}
	e.Signature = hex.EncodeToString(sig)
	return nil
}

// KeyLookup resolves a node ID to its registered public key, normally
// backed by the identity registry. Unknown nodes return false.
type KeyLookup func(nodeID string) (ed25519.PublicKey, bool)

// VerifySignature checks the envelope's signature against the source
// node's registered key.
func (e *Envelope) VerifySignature(lookup KeyLookup) error {
	pub, ok := lookup(e.SourceNode)
	if !ok {
		return errs.New(errs.KindSignature, fmt.Sprintf("gossip source %s has no registered identity", e.SourceNode))
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return errs.Wrap(errs.KindSignature, "gossip envelope signature is not valid hex", err)
	}
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	if !signing.Verify(pub, data, sig) {
		return errs.New(errs.KindSignature, "gossip envelope signature does not verify")
	}
	return nil
}

// stateOf extracts the (root, height) pair the whisper compares against
// local state, per body variant.
func (e *Envelope) stateOf() (root string, height uint64, err error) {
	switch e.Kind {
	case BodyCheckpoint:
		var b CheckpointBody
		if err := json.Unmarshal(e.Body, &b); err != nil {
			return "", 0, errs.Wrap(errs.KindValidation, "decode checkpoint body", err)
		}
		return hex.EncodeToString(b.Checkpoint.RootHash), b.Checkpoint.ChainHeightEnd, nil
	case BodyChainProof:
		var b ChainProofBody
		if err := json.Unmarshal(e.Body, &b); err != nil {
			return "", 0, errs.Wrap(errs.KindValidation, "decode chain proof body", err)
		}
		return b.HeadHash, b.Length, nil
	case BodyStateUpdate:
		var b StateUpdateBody
		if err := json.Unmarshal(e.Body, &b); err != nil {
			return "", 0, errs.Wrap(errs.KindValidation, "decode state update body", err)
		}
		return b.MerkleRoot, b.BlockHeight, nil
	default:
		return "", 0, errs.New(errs.KindValidation, fmt.Sprintf("unrecognized gossip body kind %q", e.Kind))
	}
}

// ProcessEnvelope verifies env's signature against lookup, extracts the
// announced state from its body, and runs it through the whisper's
// processing rules. The returned envelope (hop count incremented) is the
// one to forward; it is nil for a self-originated, duplicate, too-old or
// too-many-hops message. A failed signature returns OutcomeBadSignature so
// the caller can feed C8.
func (w *Whisper) ProcessEnvelope(env *Envelope, nowMillis uint64, lookup KeyLookup) (Outcome, *Envelope, error) {
	if env.SourceNode == w.nodeID {
		return OutcomeDuplicate, nil, nil
	}
	if err := env.VerifySignature(lookup); err != nil {
		messagesProcessed.WithLabelValues(string(OutcomeBadSignature)).Inc()
		return OutcomeBadSignature, nil, err
	}

	root, height, err := env.stateOf()
	if err != nil {
		return OutcomeBadSignature, nil, err
	}

	outcome, _ := w.ProcessMessage(Message{
		MsgID:       env.MsgID,
		SourceNode:  env.SourceNode,
		MerkleRoot:  root,
		BlockHeight: height,
		Timestamp:   env.TimestampMS,
		HopCount:    env.HopCount,
	}, nowMillis)

	switch outcome {
	case OutcomeDuplicate, OutcomeTooOld, OutcomeTooManyHops:
		return outcome, nil, nil
	}
	forwarded := *env
	forwarded.HopCount++
	return outcome, &forwarded, nil
}

// SelectFanout picks up to fanout distinct peers at random to forward a
// message to, excluding the message's source.
func SelectFanout(peers []string, fanout int, exclude string) []string {
	candidates := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) <= fanout {
		return candidates
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:fanout]
}
