// Package admission implements the C2 Admission Kernel (C10): command
// envelope validation running replay protection, signer lookup, signature
// verification, revocation and trust gates, quorum rules, dispatch fan-out,
// and a signed audit record, in that order. Any step failing is fatal to
// the command and still produces an audit record.
package admission

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"

	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/health"
	"github.com/aethercore/trustfabric/pkg/signing"
)

// Scope classifies the blast radius of a command, driving how many
// signatures (and from whom) admission requires.
type Scope string

const (
	ScopeEmergency          Scope = "EMERGENCY"
	ScopeSingleUnitNormal   Scope = "SINGLE_UNIT_NORMAL"
	ScopeSingleUnitCritical Scope = "SINGLE_UNIT_CRITICAL"
	ScopeSwarmSmall         Scope = "SWARM_SMALL"
	ScopeSwarmLarge         Scope = "SWARM_LARGE"
)

// RequiredSignatures returns how many independent signatures a command of
// this scope must carry to be admitted.
func (s Scope) RequiredSignatures() int {
	switch s {
	case ScopeEmergency, ScopeSingleUnitNormal:
		return 1
	case ScopeSingleUnitCritical, ScopeSwarmSmall, ScopeSwarmLarge:
		return 2
	default:
		return 0
	}
}

// RequiresAuthoritySet reports whether this scope additionally requires
// the signatures to come from a registered authority set of at least
// MinAuthoritySetSize members.
func (s Scope) RequiresAuthoritySet() bool {
	return s == ScopeSwarmLarge
}

// MinAuthoritySetSize is the minimum size of the registered authority set
// a SwarmLarge command's signers must be drawn from.
const MinAuthoritySetSize = 3

// Code is the distinct external status a rejection (or dispatch outcome)
// maps to.
type Code string

const (
	CodeAdmitted            Code = "ADMITTED"
	CodeReplay              Code = "REPLAY"
	CodeUnknownSigner       Code = "UNKNOWN_SIGNER"
	CodeBadSignature        Code = "BAD_SIGNATURE"
	CodeSignerRevoked       Code = "SIGNER_REVOKED"
	CodeSignerQuarantined   Code = "SIGNER_QUARANTINED"
	CodeTrustBelowThreshold Code = "TRUST_BELOW_THRESHOLD"
	CodeQuorumShort         Code = "QUORUM_SHORT"
	CodeDispatchFailed      Code = "DISPATCH_FAILED"
)

// Error pairs an admission status code with the underlying tagged error,
// so callers can map rejections to distinct external statuses without
// string matching.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func reject(code Code, kind errs.Kind, reason string) *Error {
	return &Error{Code: code, Err: errs.New(kind, reason)}
}

// CodeOf extracts the admission Code from err, or "" if err is not an
// admission error.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// Signature pairs a signer identity with their signature over the command.
type Signature struct {
	SignerID    string
	PublicKey   ed25519.PublicKey
	Signature   []byte
	TimestampNS uint64
}

// Envelope is a signed command submitted for admission. Command carries
// the structured, scope-classified form; Payload is the raw-bytes escape
// hatch for pre-serialized commands (its scope must then be set
// explicitly).
type Envelope struct {
	CommandID  string
	IssuerID   string
	DeviceID   string
	Command    *Command
	Scope      Scope
	Nonce      string
	Timestamp  uint64
	Payload    []byte
	Signatures []Signature
}

// EffectiveScope returns the scope admission gates on: classified from the
// structured command when present, the explicit field otherwise.
func (e *Envelope) EffectiveScope() Scope {
	if e.Command != nil {
		return e.Command.Classify()
	}
	return e.Scope
}

// SigningBytes returns the bytes every signature in the envelope must be
// computed over: the BLAKE3 digest of the command's canonical form, or the
// raw payload for pre-serialized envelopes.
func (e *Envelope) SigningBytes() ([]byte, error) {
	if e.Command != nil {
		return e.Command.SigningHash()
	}
	return e.Payload, nil
}

// AuthoritySet names the node IDs recognized as command authorities, used
// to satisfy ScopeSwarmLarge's membership requirement.
type AuthoritySet map[string]struct{}

// KeyDirectory resolves an authority ID to its registered public key.
// When configured, every signature's signer must resolve here (step 2 of
// the pipeline) and the directory's key — not the envelope-embedded one —
// is what the signature is verified against.
type KeyDirectory interface {
	PublicKeyOf(authorityID string) (ed25519.PublicKey, bool)
}

// RevocationLedger is the slice of the Gospel the kernel consults.
type RevocationLedger interface {
	IsRevoked(nodeID string) bool
}

// TrustSource is the slice of the node-health engine the kernel consults.
// health.Engine satisfies it.
type TrustSource interface {
	CombinedTrust(nodeID string, attestationScore float64) (score float64, level health.TrustLevel, known bool)
}

// AttestationScores resolves a signer's intrinsic attestation trust score
// (pkg/identity variant scores). Signers with no known identity score 0.
type AttestationScores func(signerID string) float64

// Dispatcher delivers an admitted command to one unit. Implementations own
// the transport; the kernel only aggregates per-unit outcomes.
type Dispatcher interface {
	Dispatch(ctx context.Context, unitID string, cmd *Command) error
}

// UnitResult is the per-unit outcome of a dispatch fan-out.
type UnitResult struct {
	UnitID string `json:"unit_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Decision is the audit record every admission attempt produces, admitted
// or rejected.
type Decision struct {
	CommandID   string       `json:"command_id"`
	DeviceID    string       `json:"device_id"`
	Scope       Scope        `json:"scope"`
	Signers     []string     `json:"signers"`
	Code        Code         `json:"code"`
	Reason      string       `json:"reason,omitempty"`
	UnitResults []UnitResult `json:"unit_results,omitempty"`
	Timestamp   uint64       `json:"timestamp"`
}

// Admitted reports whether the decision let the command through (including
// a partially failed dispatch, which is admitted but coded DISPATCH_FAILED).
func (d *Decision) Admitted() bool {
	return d.Code == CodeAdmitted || d.Code == CodeDispatchFailed
}

// AuditSink receives every Decision. The node wires this to a signed
// canonical event appended through the ledger.
type AuditSink interface {
	RecordAdmission(dec Decision) error
}

// Kernel is the admission pipeline.
type Kernel struct {
	replay         *ReplayProtector
	authority      AuthoritySet
	keys           KeyDirectory
	revocations    RevocationLedger
	trust          TrustSource
	attScores      AttestationScores
	trustThreshold float64
	dispatcher     Dispatcher
	audit          AuditSink
	logger         *log.Logger
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithKeyDirectory makes signer lookup mandatory: signatures from
// authorities absent from dir are rejected as UnknownSigner.
func WithKeyDirectory(dir KeyDirectory) Option {
	return func(k *Kernel) { k.keys = dir }
}

// WithRevocationLedger gates every signer against the Gospel.
func WithRevocationLedger(ledger RevocationLedger) Option {
	return func(k *Kernel) { k.revocations = ledger }
}

// WithTrustGate gates every signer's combined trust score against
// threshold, sourcing behavioral trust from source and intrinsic trust
// from scores.
func WithTrustGate(source TrustSource, scores AttestationScores, threshold float64) Option {
	return func(k *Kernel) {
		k.trust = source
		k.attScores = scores
		k.trustThreshold = threshold
	}
}

// WithDispatcher fans admitted commands out to their target units.
func WithDispatcher(d Dispatcher) Option {
	return func(k *Kernel) { k.dispatcher = d }
}

// WithAuditSink records every decision, admitted or rejected.
func WithAuditSink(sink AuditSink) Option {
	return func(k *Kernel) { k.audit = sink }
}

// WithReplayWindows overrides the replay protector's default windows.
func WithReplayWindows(w ReplayWindows) Option {
	return func(k *Kernel) { k.replay = NewReplayProtectorWithWindows(w) }
}

// DefaultTrustThreshold is the minimum combined trust score a signer needs.
const DefaultTrustThreshold = 0.8

// NewKernel returns an admission kernel backed by a fresh replay
// protector, recognizing the given authority node IDs for SwarmLarge.
// Gates whose collaborators are not supplied via options are skipped,
// which only makes sense in tests; a production node wires all of them.
func NewKernel(authority AuthoritySet, opts ...Option) *Kernel {
	k := &Kernel{
		replay:         NewReplayProtector(),
		authority:      authority,
		trustThreshold: DefaultTrustThreshold,
		logger:         log.New(log.Writer(), "[Admission] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Kernel) record(dec Decision) {
	if k.audit == nil {
		return
	}
	if err := k.audit.RecordAdmission(dec); err != nil {
		k.logger.Printf("audit record failed for command %s: %v", dec.CommandID, err)
	}
}

// Admit runs the full pipeline against env. The returned Decision is what
// was (or would have been) written to the audit trail; err is nil only
// when the command was admitted and every dispatched unit succeeded.
func (k *Kernel) Admit(ctx context.Context, env *Envelope, now uint64) (*Decision, error) {
	scope := env.EffectiveScope()
	dec := Decision{
		CommandID: env.CommandID,
		DeviceID:  env.DeviceID,
		Scope:     scope,
		Timestamp: now,
	}
	for _, sig := range env.Signatures {
		dec.Signers = append(dec.Signers, sig.SignerID)
	}

	fail := func(e *Error) (*Decision, error) {
		dec.Code = e.Code
		dec.Reason = e.Err.Error()
		k.record(dec)
		return &dec, e
	}

	// 1. Replay protection.
	if err := k.replay.ValidateCommand(env.DeviceID, env.Nonce, env.Timestamp, now); err != nil {
		return fail(&Error{Code: CodeReplay, Err: err})
	}

	signingBytes, err := env.SigningBytes()
	if err != nil {
		return fail(&Error{Code: CodeBadSignature, Err: err})
	}

	// 2. Signer lookup + 3. Signature verification.
	validSigners := make(map[string]struct{})
	for _, sig := range env.Signatures {
		key := sig.PublicKey
		if k.keys != nil {
			registered, ok := k.keys.PublicKeyOf(sig.SignerID)
			if !ok {
				return fail(reject(CodeUnknownSigner, errs.KindQuorum,
					fmt.Sprintf("signer %s is not a registered authority", sig.SignerID)))
			}
			key = registered
		}
		if !signing.Verify(key, signingBytes, sig.Signature) {
			return fail(reject(CodeBadSignature, errs.KindSignature,
				fmt.Sprintf("signature from %s does not verify", sig.SignerID)))
		}
		validSigners[sig.SignerID] = struct{}{}
	}

	// 4. Revocation check.
	if k.revocations != nil {
		for signer := range validSigners {
			if k.revocations.IsRevoked(signer) {
				return fail(reject(CodeSignerRevoked, errs.KindQuorum,
					fmt.Sprintf("signer %s is revoked", signer)))
			}
		}
	}

	// 5. Trust check.
	if k.trust != nil {
		for signer := range validSigners {
			var attScore float64
			if k.attScores != nil {
				attScore = k.attScores(signer)
			}
			score, level, known := k.trust.CombinedTrust(signer, attScore)
			if !known || level == health.TrustQuarantined {
				return fail(reject(CodeSignerQuarantined, errs.KindQuorum,
					fmt.Sprintf("signer %s is quarantined", signer)))
			}
			if score < k.trustThreshold {
				return fail(reject(CodeTrustBelowThreshold, errs.KindQuorum,
					fmt.Sprintf("signer %s trust %.2f below threshold %.2f", signer, score, k.trustThreshold)))
			}
		}
	}

	// 6. Quorum.
	if len(validSigners) < scope.RequiredSignatures() {
		return fail(reject(CodeQuorumShort, errs.KindQuorum, "insufficient distinct signers for command scope"))
	}
	if scope.RequiresAuthoritySet() {
		if len(k.authority) < MinAuthoritySetSize {
			return fail(reject(CodeQuorumShort, errs.KindQuorum,
				fmt.Sprintf("registered authority set has %d members, need %d", len(k.authority), MinAuthoritySetSize)))
		}
		for signer := range validSigners {
			if _, ok := k.authority[signer]; !ok {
				return fail(reject(CodeQuorumShort, errs.KindQuorum,
					fmt.Sprintf("signer %s is not an authority-set member", signer)))
			}
		}
	}

	// 7. Dispatch.
	if k.dispatcher != nil && env.Command != nil {
		failures := 0
		for _, unit := range env.Command.Target.Units() {
			if err := ctx.Err(); err != nil {
				// Unwind: remaining units are recorded as failures, the
				// audit record is still written below.
				dec.UnitResults = append(dec.UnitResults, UnitResult{UnitID: unit, Error: "cancelled before dispatch"})
				failures++
				continue
			}
			if err := k.dispatcher.Dispatch(ctx, unit, env.Command); err != nil {
				dec.UnitResults = append(dec.UnitResults, UnitResult{UnitID: unit, Error: err.Error()})
				failures++
			} else {
				dec.UnitResults = append(dec.UnitResults, UnitResult{UnitID: unit, OK: true})
			}
		}
		if failures > 0 {
			dec.Code = CodeDispatchFailed
			dec.Reason = fmt.Sprintf("%d of %d unit dispatches failed", failures, len(dec.UnitResults))
			k.record(dec)
			return &dec, reject(CodeDispatchFailed, errs.KindTransport, dec.Reason)
		}
	}

	// 8. Audit.
	dec.Code = CodeAdmitted
	k.record(dec)
	return &dec, nil
}
