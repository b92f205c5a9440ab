package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/signing"
)

// RequiredPCRs is the platform configuration register set a TPM enrollment
// quote must cover.
var RequiredPCRs = []int{0, 2, 4, 7}

// PlatformTPM is the message-passing boundary enrollment uses to talk to
// the secure element. Method names line up with signing.TPMDriver so one
// driver implementation can satisfy both; private key material never
// crosses this boundary in either direction.
type PlatformTPM interface {
	GenerateAttestationKey(ctx context.Context, nodeID string) (ed25519.PublicKey, error)
	Quote(ctx context.Context, nodeID string, pcrs []int) (quote []byte, pcrValues map[int]string, err error)
	SignWithAK(ctx context.Context, nodeID string, data []byte) ([]byte, error)
}

// EnrollmentRequest is the wire envelope a node presents when asking to be
// enrolled into the fleet.
type EnrollmentRequest struct {
	ProtocolVersion int                `json:"protocol_version"`
	NodeID          string             `json:"node_id"`
	PublicKey       string             `json:"public_key"`
	Variant         AttestationVariant `json:"variant"`
	PlatformType    string             `json:"platform_type"`
	FirmwareVersion string             `json:"firmware_version"`
	TimestampMS     uint64             `json:"timestamp_ms"`
	ChallengeNonce  []byte             `json:"challenge_nonce"`
	Quote           []byte             `json:"quote,omitempty"`
	PCRValues       map[int]string     `json:"pcr_values,omitempty"`
}

// Enroller produces TPM-rooted enrollment requests for the local platform.
// The attestation key lives in the TPM for its whole life; the enroller
// only ever handles the public half and the quote.
type Enroller struct {
	nodeID string
	tpm    PlatformTPM
}

// NewEnroller returns an enroller for nodeID backed by tpm.
func NewEnroller(nodeID string, tpm PlatformTPM) *Enroller {
	return &Enroller{nodeID: nodeID, tpm: tpm}
}

// NewTPMEnrollmentRequest asks the TPM for an attestation key and a quote
// over the required PCR set, and wraps them in an enrollment request ready
// to transmit.
func (e *Enroller) NewTPMEnrollmentRequest(ctx context.Context, platformType, firmwareVersion string, nowMS uint64) (*EnrollmentRequest, error) {
	pub, err := e.tpm.GenerateAttestationKey(ctx, e.nodeID)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "tpm attestation key generation", err)
	}

	quote, pcrValues, err := e.tpm.Quote(ctx, e.nodeID, RequiredPCRs)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "tpm quote over required pcrs", err)
	}

	nonce, err := signing.GenerateRandomBytes(MinChallengeSize)
	if err != nil {
		return nil, err
	}

	return &EnrollmentRequest{
		ProtocolVersion: ProtocolVersion,
		NodeID:          e.nodeID,
		PublicKey:       hex.EncodeToString(pub),
		Variant:         VariantTPM,
		PlatformType:    platformType,
		FirmwareVersion: firmwareVersion,
		TimestampMS:     nowMS,
		ChallengeNonce:  nonce,
		Quote:           quote,
		PCRValues:       pcrValues,
	}, nil
}

// SignChallenge answers an enrollment server's challenge by signing it
// inside the TPM.
func (e *Enroller) SignChallenge(ctx context.Context, challenge []byte) ([]byte, error) {
	sig, err := e.tpm.SignWithAK(ctx, e.nodeID, challenge)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignature, "tpm sign enrollment challenge", err)
	}
	return sig, nil
}

// EnrollmentServer validates incoming enrollment requests and admits them
// into a Registry. Replayed nonces within the configured window and
// timestamps outside the configured skew are rejected before the registry
// is touched.
type EnrollmentServer struct {
	mu          sync.Mutex
	registry    *Registry
	nonceWindow time.Duration
	maxSkew     time.Duration
	seenNonces  map[string]uint64 // hex nonce -> first-seen ms
}

// NewEnrollmentServer wraps registry with enrollment validation using the
// given nonce-replay window and timestamp skew tolerance.
func NewEnrollmentServer(registry *Registry, nonceWindow, maxSkew time.Duration) *EnrollmentServer {
	if nonceWindow <= 0 {
		nonceWindow = DefaultNonceWindow
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxFutureSkew
	}
	return &EnrollmentServer{
		registry:    registry,
		nonceWindow: nonceWindow,
		maxSkew:     maxSkew,
		seenNonces:  make(map[string]uint64),
	}
}

// HandleEnrollment validates req and, if acceptable, enrolls the node and
// returns its registered identity.
func (s *EnrollmentServer) HandleEnrollment(req *EnrollmentRequest, nowMS uint64) (*PlatformIdentity, error) {
	if req.ProtocolVersion != ProtocolVersion {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unsupported enrollment protocol version %d", req.ProtocolVersion))
	}
	if req.NodeID == "" {
		return nil, errs.New(errs.KindValidation, "enrollment node_id is empty")
	}
	if req.PublicKey == "" {
		return nil, errs.New(errs.KindValidation, "enrollment public key is empty")
	}
	if len(req.ChallengeNonce) < MinChallengeSize {
		return nil, errs.New(errs.KindValidation, "enrollment challenge nonce below minimum size")
	}

	skewMS := uint64(s.maxSkew.Milliseconds())
	if req.TimestampMS+skewMS < nowMS || req.TimestampMS > nowMS+skewMS {
		return nil, errs.New(errs.KindReplay, "enrollment timestamp outside allowed skew")
	}

	if req.Variant == VariantTPM {
		if len(req.Quote) == 0 {
			return nil, errs.New(errs.KindValidation, "tpm enrollment requires a quote")
		}
		for _, pcr := range RequiredPCRs {
			if _, ok := req.PCRValues[pcr]; !ok {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("tpm enrollment quote missing pcr %d", pcr))
			}
		}
	}

	s.mu.Lock()
	nonceKey := hex.EncodeToString(req.ChallengeNonce)
	if seenAt, seen := s.seenNonces[nonceKey]; seen && seenAt+uint64(s.nonceWindow.Milliseconds()) > nowMS {
		s.mu.Unlock()
		return nil, errs.New(errs.KindReplay, "enrollment challenge nonce already seen")
	}
	s.seenNonces[nonceKey] = nowMS
	windowMS := uint64(s.nonceWindow.Milliseconds())
	for nonce, seenAt := range s.seenNonces {
		if seenAt+windowMS <= nowMS {
			delete(s.seenNonces, nonce)
		}
	}
	s.mu.Unlock()

	return s.registry.Enroll(EnrollmentContext{
		NodeID:    req.NodeID,
		PublicKey: req.PublicKey,
		Variant:   req.Variant,
		PCRValues: req.PCRValues,
		Quote:     req.Quote,
		Timestamp: req.TimestampMS,
	})
}
