// Package event implements the Canonical Event (C1): an immutable domain
// record with deterministic BLAKE3 hashing. It is the leaf of every other
// component — the chain builder, ledger, merkle aggregator, and gossip
// protocol all operate on CanonicalEvent values or their hashes.
package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/aethercore/trustfabric/pkg/errs"
	"lukechampine.com/blake3"
)

// EventType tags the payload carried by an event. The set is closed for
// the core plus an open Custom escape hatch.
type EventType string

const (
	EventTypeGPS       EventType = "GPS"
	EventTypeAIS       EventType = "AIS"
	EventTypeTelemetry EventType = "TELEMETRY"
	EventTypeSystem    EventType = "SYSTEM"
	EventTypeFleet     EventType = "FLEET"
	EventTypeMission   EventType = "MISSION"
	EventTypeAlert     EventType = "ALERT"
	EventTypeCustom    EventType = "CUSTOM"
)

// CanonicalEvent is the immutable event record described in spec §3.
type CanonicalEvent struct {
	EventID     string                 `json:"event_id"`
	EventType   EventType              `json:"event_type"`
	Timestamp   uint64                 `json:"timestamp"`
	DeviceID    string                 `json:"device_id"`
	NodeID      string                 `json:"node_id"`
	Sequence    uint64                 `json:"sequence"`
	ChainHeight uint64                 `json:"chain_height"`
	PrevHash    string                 `json:"prev_hash"`
	Payload     EventPayload           `json:"payload"`
	Hash        string                 `json:"hash,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
	PublicKey   string                 `json:"public_key,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// canonicalKeys is the exact, sorted top-level key set used for hashing,
// per spec §6: chain_height, device_id, event_id, event_type, metadata?,
// node_id, payload, prev_hash, sequence, timestamp. signature/public_key/
// hash are never part of this set.
func (e *CanonicalEvent) canonicalMap() map[string]interface{} {
	m := map[string]interface{}{
		"chain_height": e.ChainHeight,
		"device_id":    e.DeviceID,
		"event_id":     e.EventID,
		"event_type":   e.EventType,
		"node_id":      e.NodeID,
		"payload":      e.Payload,
		"prev_hash":    e.PrevHash,
		"sequence":     e.Sequence,
		"timestamp":    e.Timestamp,
	}
	if len(e.Metadata) > 0 {
		m["metadata"] = e.Metadata
	}
	return m
}

// canonicalJSON serializes the non-signature fields to the deterministic
// textual form used for hashing: JSON with sorted keys, no insignificant
// whitespace. encoding/json already sorts map[string]interface{} keys and
// emits compact output by default, which satisfies both requirements here.
func (e *CanonicalEvent) canonicalJSON() ([]byte, error) {
	m := e.canonicalMap()
	// Re-marshal through an explicit sorted-key walk so that nested
	// payload/metadata maps are also deterministic, not just the
	// top-level keys encoding/json would sort for us implicitly.
	canon, err := canonicalize(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canon)
}

// canonicalize recursively sorts map keys; arrays retain order. Numbers
// are decoded as json.Number rather than float64 so integers beyond 2^53
// survive the round trip with their exact decimal form.
func canonicalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

// CanonicalJSON serializes v to the same deterministic textual form events
// are hashed over: compact JSON with every map's keys sorted, at every
// nesting depth. Other components (the admission kernel's command hashing,
// gossip envelope signing) reuse this so "canonical bytes" means one thing
// across the module.
func CanonicalJSON(v interface{}) ([]byte, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "canonicalize value", err)
	}
	return json.Marshal(canon)
}

func sortValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = sortValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = sortValue(e)
		}
		return out
	default:
		return vv
	}
}

// ComputeHash serializes the canonical, non-signature fields and returns
// the hex-encoded BLAKE3 digest. Stable under re-serialization and
// independent of map iteration order.
func (e *CanonicalEvent) ComputeHash() (string, error) {
	canon, err := e.canonicalJSON()
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "canonicalize event for hashing", err)
	}
	sum := blake3.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash returns true iff the stored Hash matches the recomputed hash
// of the canonical form. An empty stored hash never verifies.
func (e *CanonicalEvent) VerifyHash() (bool, error) {
	if e.Hash == "" {
		return false, nil
	}
	if _, err := hex.DecodeString(e.Hash); err != nil {
		return false, errs.Wrap(errs.KindValidation, "stored hash is not valid hex", err)
	}
	computed, err := e.ComputeHash()
	if err != nil {
		return false, err
	}
	return computed == e.Hash, nil
}

// SigningBytes returns the raw hash bytes that C2 signs — not the
// canonical text itself.
func (e *CanonicalEvent) SigningBytes() ([]byte, error) {
	if e.Hash == "" {
		return nil, errs.New(errs.KindValidation, "event has no hash to sign")
	}
	raw, err := hex.DecodeString(e.Hash)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "hash is not valid hex", err)
	}
	return raw, nil
}

// IsSigned reports whether both signature and public_key are populated.
func (e *CanonicalEvent) IsSigned() bool {
	return e.Signature != "" && e.PublicKey != ""
}
