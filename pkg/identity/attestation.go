package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/signing"
)

// ProtocolVersion is the only attestation protocol version this module
// speaks; requests carrying any other version are rejected outright.
const ProtocolVersion = 1

// MinChallengeSize is the minimum accepted challenge/nonce length in bytes.
const MinChallengeSize = 32

// Handshake timing defaults. All are overridable via HandshakeConfig.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultNonceWindow      = 30 * time.Second
	DefaultMaxFutureSkew    = 30 * time.Second
)

// AttestationRequest is the initiator's opening envelope of the mutual
// attestation handshake.
type AttestationRequest struct {
	Version     int              `json:"version"`
	Identity    PlatformIdentity `json:"identity"`
	CertChain   []string         `json:"cert_chain"`
	Challenge   []byte           `json:"challenge"`
	TimestampMS uint64           `json:"timestamp_ms"`
}

// AttestationResponse is the responder's reply: its own identity, a
// counter-challenge for the initiator to answer, and a signature over the
// initiator's challenge proving possession of the responder's key.
type AttestationResponse struct {
	Version            int              `json:"version"`
	Identity           PlatformIdentity `json:"identity"`
	CounterChallenge   []byte           `json:"counter_challenge"`
	ChallengeSignature []byte           `json:"challenge_signature"`
	TPMQuote           []byte           `json:"tpm_quote,omitempty"`
	TimestampMS        uint64           `json:"timestamp_ms"`
}

// HandshakeEventType tags entries in the handshake audit trail.
type HandshakeEventType string

const (
	HandshakeInitiated HandshakeEventType = "HANDSHAKE_INITIATED"
	HandshakeCompleted HandshakeEventType = "HANDSHAKE_COMPLETED"
	HandshakeFailed    HandshakeEventType = "HANDSHAKE_FAILED"
	ReplayDetected     HandshakeEventType = "REPLAY_DETECTED"
)

// HandshakeAuditEvent is one entry in the peer attestation audit trail.
// Every handshake transition emits one; rejections carry a failure reason.
type HandshakeAuditEvent struct {
	EventType   HandshakeEventType `json:"event_type"`
	IdentityID  string             `json:"identity_id"`
	TimestampMS uint64             `json:"timestamp_ms"`
	Metadata    HandshakeMetadata  `json:"metadata"`
}

// HandshakeMetadata carries the structured detail attached to every audit
// event.
type HandshakeMetadata struct {
	ProtocolVersion int    `json:"protocol_version"`
	AttestationType string `json:"attestation_type,omitempty"`
	CertChainLength int    `json:"cert_chain_length"`
	TPMQuotePresent bool   `json:"tpm_quote_present"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// HandshakeConfig tunes the handshake manager's timing windows. The nonce
// window and the handshake timeout are deliberately independent knobs: a
// recorded nonce outlives the handshake that carried it, so a replay of an
// expired handshake's challenge is still caught.
type HandshakeConfig struct {
	HandshakeTimeout time.Duration
	NonceWindow      time.Duration
	MaxFutureSkew    time.Duration
}

// DefaultHandshakeConfig returns the spec-default timing windows.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		HandshakeTimeout: DefaultHandshakeTimeout,
		NonceWindow:      DefaultNonceWindow,
		MaxFutureSkew:    DefaultMaxFutureSkew,
	}
}

type inflightHandshake struct {
	hs          *Handshake
	startedAtMS uint64
}

// HandshakeManager runs mutual attestation handshakes against peers: it
// issues challenges as initiator, answers them as responder, tracks
// in-flight handshakes against a timeout, rejects replayed challenges, and
// appends every transition to an audit trail.
type HandshakeManager struct {
	mu           sync.Mutex
	nodeID       string
	self         PlatformIdentity
	certChain    []string
	signer       *signing.Service
	handle       signing.Handle
	trustedRoots map[string]struct{}
	inflight     map[string]*inflightHandshake
	seenNonces   map[string]uint64 // hex nonce -> first-seen ms
	audit        []HandshakeAuditEvent
	cfg          HandshakeConfig
	logger       *log.Logger
}

// NewHandshakeManager returns a manager that attests as self, signing
// challenges through signer/handle. trustedRoots names the certificate
// roots peer chains must terminate in; an empty set accepts any non-empty
// chain (dev/test mode).
func NewHandshakeManager(self PlatformIdentity, certChain []string, signer *signing.Service, handle signing.Handle, trustedRoots []string, cfg HandshakeConfig) *HandshakeManager {
	roots := make(map[string]struct{}, len(trustedRoots))
	for _, r := range trustedRoots {
		roots[r] = struct{}{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.NonceWindow <= 0 {
		cfg.NonceWindow = DefaultNonceWindow
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = DefaultMaxFutureSkew
	}
	return &HandshakeManager{
		nodeID:       self.NodeID,
		self:         self,
		certChain:    certChain,
		signer:       signer,
		handle:       handle,
		trustedRoots: roots,
		inflight:     make(map[string]*inflightHandshake),
		seenNonces:   make(map[string]uint64),
		audit:        make([]HandshakeAuditEvent, 0),
		cfg:          cfg,
		logger:       log.New(log.Writer(), "[Attestation] ", log.LstdFlags),
	}
}

func (m *HandshakeManager) record(evt HandshakeEventType, identityID string, nowMS uint64, meta HandshakeMetadata) {
	meta.ProtocolVersion = ProtocolVersion
	m.audit = append(m.audit, HandshakeAuditEvent{
		EventType:   evt,
		IdentityID:  identityID,
		TimestampMS: nowMS,
		Metadata:    meta,
	})
}

// Initiate starts a handshake with peerID and returns the request envelope
// to transmit. The handshake is tracked in-flight from this moment; if no
// valid response arrives before the configured timeout, Cleanup fails it.
func (m *HandshakeManager) Initiate(peerID string, nowMS uint64) (*AttestationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.inflight[peerID]; exists {
		return nil, errs.New(errs.KindState, "handshake already in flight with peer")
	}

	hs := NewHandshake(peerID, m.signer, m.handle)
	challenge, err := hs.IssueChallenge()
	if err != nil {
		return nil, err
	}

	m.inflight[peerID] = &inflightHandshake{hs: hs, startedAtMS: nowMS}
	m.record(HandshakeInitiated, peerID, nowMS, HandshakeMetadata{
		AttestationType: string(m.self.Variant),
		CertChainLength: len(m.certChain),
	})

	return &AttestationRequest{
		Version:     ProtocolVersion,
		Identity:    m.self,
		CertChain:   append([]string(nil), m.certChain...),
		Challenge:   challenge,
		TimestampMS: nowMS,
	}, nil
}

// validateFreshness rejects a timestamp older than the nonce window or more
// than the configured skew in the future.
func (m *HandshakeManager) validateFreshness(tsMS, nowMS uint64) error {
	if tsMS+uint64(m.cfg.NonceWindow.Milliseconds()) < nowMS {
		return errs.New(errs.KindReplay, "attestation timestamp too old")
	}
	if tsMS > nowMS+uint64(m.cfg.MaxFutureSkew.Milliseconds()) {
		return errs.New(errs.KindReplay, "attestation timestamp too far in the future")
	}
	return nil
}

func (m *HandshakeManager) validateCertChain(chain []string) error {
	if len(chain) == 0 {
		return errs.New(errs.KindValidation, "attestation cert chain is empty")
	}
	if len(m.trustedRoots) == 0 {
		return nil
	}
	root := chain[len(chain)-1]
	if _, ok := m.trustedRoots[root]; !ok {
		return errs.New(errs.KindValidation, "attestation cert chain does not link to a trusted root")
	}
	return nil
}

// Respond validates an incoming AttestationRequest and, if acceptable,
// returns the response envelope: this node's identity, a fresh counter-
// challenge, and a signature over the initiator's challenge. Every
// rejection path emits a HandshakeFailed audit event; a replayed challenge
// additionally emits ReplayDetected.
func (m *HandshakeManager) Respond(req *AttestationRequest, nowMS uint64) (*AttestationResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peerID := req.Identity.NodeID
	meta := HandshakeMetadata{
		AttestationType: string(req.Identity.Variant),
		CertChainLength: len(req.CertChain),
	}

	fail := func(reason string, err error) (*AttestationResponse, error) {
		meta.FailureReason = reason
		m.record(HandshakeFailed, peerID, nowMS, meta)
		return nil, err
	}

	if req.Version != ProtocolVersion {
		return fail("unsupported protocol version",
			errs.New(errs.KindValidation, fmt.Sprintf("unsupported attestation protocol version %d", req.Version)))
	}
	if err := m.validateFreshness(req.TimestampMS, nowMS); err != nil {
		return fail("stale or future timestamp", err)
	}
	if len(req.Challenge) < MinChallengeSize {
		return fail("challenge too short",
			errs.New(errs.KindValidation, "attestation challenge below minimum size"))
	}

	nonceKey := hex.EncodeToString(req.Challenge)
	if _, seen := m.seenNonces[nonceKey]; seen {
		meta.FailureReason = "replayed challenge nonce"
		m.record(ReplayDetected, peerID, nowMS, meta)
		m.record(HandshakeFailed, peerID, nowMS, meta)
		return nil, errs.New(errs.KindReplay, "attestation challenge nonce already seen")
	}
	m.seenNonces[nonceKey] = nowMS

	if err := m.validateCertChain(req.CertChain); err != nil {
		return fail("invalid cert chain", err)
	}

	challengeSig, err := m.signer.SignRaw(m.handle, req.Challenge)
	if err != nil {
		return fail("challenge signing failed", err)
	}

	counter, err := signing.GenerateRandomBytes(MinChallengeSize)
	if err != nil {
		return fail("counter-challenge generation failed", err)
	}

	return &AttestationResponse{
		Version:            ProtocolVersion,
		Identity:           m.self,
		CounterChallenge:   counter,
		ChallengeSignature: challengeSig,
		TimestampMS:        nowMS,
	}, nil
}

// Finalize completes an initiated handshake with the responder's reply: it
// checks the counter-challenge, verifies the signature over this node's
// challenge against the responder's public key, and returns the trust
// score derived from the responder's attestation variant.
func (m *HandshakeManager) Finalize(peerID string, resp *AttestationResponse, nowMS uint64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := HandshakeMetadata{
		AttestationType: string(resp.Identity.Variant),
		TPMQuotePresent: len(resp.TPMQuote) > 0,
	}

	inflight, ok := m.inflight[peerID]
	if !ok {
		meta.FailureReason = "no handshake in flight"
		m.record(HandshakeFailed, peerID, nowMS, meta)
		return 0, errs.New(errs.KindState, "no handshake in flight with peer")
	}

	fail := func(reason string, err error) (float64, error) {
		inflight.hs.Fail(reason)
		delete(m.inflight, peerID)
		meta.FailureReason = reason
		m.record(HandshakeFailed, peerID, nowMS, meta)
		return 0, err
	}

	if resp.Version != ProtocolVersion {
		return fail("unsupported protocol version",
			errs.New(errs.KindValidation, fmt.Sprintf("unsupported attestation protocol version %d", resp.Version)))
	}
	if err := m.validateFreshness(resp.TimestampMS, nowMS); err != nil {
		return fail("stale or future timestamp", err)
	}
	if len(resp.CounterChallenge) < MinChallengeSize {
		return fail("counter-challenge too short",
			errs.New(errs.KindValidation, "counter-challenge below minimum size"))
	}

	pubBytes, err := hex.DecodeString(resp.Identity.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fail("malformed responder public key",
			errs.New(errs.KindSignature, "responder public key is not a valid ed25519 key"))
	}

	if err := inflight.hs.VerifyResponse(ed25519.PublicKey(pubBytes), resp.ChallengeSignature); err != nil {
		delete(m.inflight, peerID)
		meta.FailureReason = "challenge signature verification failed"
		m.record(HandshakeFailed, peerID, nowMS, meta)
		return 0, err
	}

	delete(m.inflight, peerID)
	m.record(HandshakeCompleted, peerID, nowMS, meta)
	return resp.Identity.Variant.TrustScore(), nil
}

// Cleanup sweeps in-flight handshakes older than the handshake timeout,
// failing each with a timeout audit event, and prunes recorded nonces that
// have outlived the nonce window. Returns the number of handshakes expired.
// Intended to run on a ticker from the owning node.
func (m *HandshakeManager) Cleanup(nowMS uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	timeoutMS := uint64(m.cfg.HandshakeTimeout.Milliseconds())
	for peerID, inflight := range m.inflight {
		if inflight.startedAtMS+timeoutMS <= nowMS {
			inflight.hs.Fail("timeout")
			delete(m.inflight, peerID)
			m.record(HandshakeFailed, peerID, nowMS, HandshakeMetadata{FailureReason: "handshake timeout"})
			expired++
		}
	}

	windowMS := uint64(m.cfg.NonceWindow.Milliseconds())
	for nonce, seenAt := range m.seenNonces {
		if seenAt+windowMS <= nowMS {
			delete(m.seenNonces, nonce)
		}
	}

	if expired > 0 {
		m.logger.Printf("expired %d timed-out handshakes", expired)
	}
	return expired
}

// InFlight returns the number of handshakes currently awaiting a response.
func (m *HandshakeManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// AuditTrail returns a copy of every recorded handshake audit event.
func (m *HandshakeManager) AuditTrail() []HandshakeAuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HandshakeAuditEvent, len(m.audit))
	copy(out, m.audit)
	return out
}
