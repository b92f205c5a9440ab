package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/signing"
)

// HandshakeState is a node in the mutual-attestation handshake.
type HandshakeState string

const (
	StateIdle          HandshakeState = "IDLE"
	StateChallengeSent HandshakeState = "CHALLENGE_SENT"
	StateVerifying     HandshakeState = "VERIFYING"
	StateComplete      HandshakeState = "COMPLETE"
	StateFailed        HandshakeState = "FAILED"
)

// Handshake tracks one in-progress mutual attestation with a single peer.
// Transitions: Idle -> ChallengeSent -> Verifying -> Complete | Failed.
// Any validation failure moves straight to Failed from whichever state it
// was raised in; Failed and Complete are both terminal.
type Handshake struct {
	mu     sync.Mutex
	PeerID string
	state  HandshakeState
	nonce  []byte
	signer *signing.Service
	handle signing.Handle
}

// NewHandshake starts a new, idle handshake with peerID.
func NewHandshake(peerID string, signer *signing.Service, handle signing.Handle) *Handshake {
	return &Handshake{PeerID: peerID, state: StateIdle, signer: signer, handle: handle}
}

// State returns the handshake's current state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) fail() { h.state = StateFailed }

// IssueChallenge generates a fresh nonce, moves to ChallengeSent, and
// returns the nonce to send to the peer.
func (h *Handshake) IssueChallenge() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle {
		return nil, errs.New(errs.KindState, "challenge already issued for this handshake")
	}
	nonce, err := signing.GenerateRandomBytes(32)
	if err != nil {
		h.fail()
		return nil, err
	}
	h.nonce = nonce
	h.state = StateChallengeSent
	return nonce, nil
}

// SignChallenge signs a nonce received from the peer, used when this node
// is the one responding to a challenge rather than issuing one.
func (h *Handshake) SignChallenge(nonce []byte) ([]byte, error) {
	return h.signer.SignRaw(h.handle, nonce)
}

// VerifyResponse checks the peer's signature over the nonce this handshake
// issued, using peerPublicKey, and advances the state machine accordingly.
func (h *Handshake) VerifyResponse(peerPublicKey ed25519.PublicKey, signature []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateChallengeSent {
		return errs.New(errs.KindState, "no outstanding challenge to verify")
	}
	h.state = StateVerifying

	if !signing.Verify(peerPublicKey, h.nonce, signature) {
		h.fail()
		return errs.New(errs.KindSignature, "peer failed challenge-response verification")
	}
	h.state = StateComplete
	return nil
}

// Fail forces the handshake into the Failed state, e.g. on timeout.
func (h *Handshake) Fail(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = reason
	h.fail()
}

// NonceHex returns the hex-encoded challenge nonce, for transport framing.
func (h *Handshake) NonceHex() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hex.EncodeToString(h.nonce)
}
