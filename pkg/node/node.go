// Package node wires the ten trust-fabric components into a single
// running service: storage, signing, chain building, gossip, health,
// revocation, and admission, bootstrapped from pkg/config. It is the
// host-application surface named in the spec: open a ledger, append
// signed events, produce checkpoints, process gossip, submit command
// envelopes.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"

	"github.com/aethercore/trustfabric/pkg/admission"
	"github.com/aethercore/trustfabric/pkg/auditmirror"
	"github.com/aethercore/trustfabric/pkg/chain"
	"github.com/aethercore/trustfabric/pkg/config"
	"github.com/aethercore/trustfabric/pkg/event"
	"github.com/aethercore/trustfabric/pkg/gospel"
	"github.com/aethercore/trustfabric/pkg/gossip"
	"github.com/aethercore/trustfabric/pkg/health"
	"github.com/aethercore/trustfabric/pkg/identity"
	"github.com/aethercore/trustfabric/pkg/kvdb"
	"github.com/aethercore/trustfabric/pkg/ledger"
	"github.com/aethercore/trustfabric/pkg/merkle"
	"github.com/aethercore/trustfabric/pkg/signing"
)

// auditDeviceID is the reserved device chain admission decisions are
// recorded on.
const auditDeviceID = "c2-audit"

// Node bundles every component a running trust-fabric node needs.
type Node struct {
	Config *config.Config

	Signing    *signing.Service
	Chains     *chain.Registry
	Ledger     *ledger.Store
	Identity   *identity.Registry
	Enrollment *identity.EnrollmentServer
	Handshakes *identity.HandshakeManager
	Gossip     *gossip.Whisper
	Bunker     *gossip.Bunker
	Health     *health.Engine
	Gospel     *gospel.Ledger
	Aggregator *merkle.Aggregator
	Admission  *admission.Kernel

	AuditMirror *auditmirror.PostgresMirror
	Firestore   *auditmirror.FirestoreMirror

	handle    signing.Handle
	pubKeyHex string

	ledgerDB dbm.DB
	gospelDB dbm.DB

	mu              sync.Mutex
	checkpointStart map[string]uint64 // device -> first chain height of the next window

	logger *log.Logger
	cancel context.CancelFunc
}

// nilAuthorityVerifier is the gospel.AuthorityVerifier New installs. It
// accepts any revocation certificate that carries a non-empty authority
// signature; it does not check that signature against any federation key.
type nilAuthorityVerifier struct{}

func (nilAuthorityVerifier) Verify(rev gospel.Revocation) (bool, error) {
	return rev.AuthoritySig != "", nil
}

// authorityKeys adapts the YAML authority registry to the admission
// kernel's key directory.
type authorityKeys map[string]ed25519.PublicKey

func (a authorityKeys) PublicKeyOf(id string) (ed25519.PublicKey, bool) {
	k, ok := a[id]
	return k, ok
}

func healthThresholds(h config.HealthThresholds) health.Thresholds {
	return health.Thresholds{
		ChainBreakDegrade:    h.ChainBreakDegrade,
		ChainBreakFatal:      h.ChainBreakFatal,
		SigFailureDegrade:    h.SigFailureDegrade,
		SigFailureFatal:      h.SigFailureFatal,
		MissingWindowDegrade: h.MissingWindowDegrade,
		HealthyRatio:         h.HealthyRatio,
		CompromisedRatio:     h.CompromisedRatio,
	}
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// New constructs a Node from cfg, opening the ledger and gospel KV stores
// at the configured paths and wiring every component together. authorities
// may be nil; without it the admission kernel runs without a key directory
// and with an empty authority set, which rejects every SwarmLarge command.
// The audit mirror is only opened when cfg.DatabaseURL is set.
func New(cfg *config.Config, authorities *config.AuthorityRegistry) (*Node, error) {
	logger := log.New(log.Writer(), fmt.Sprintf("[Node:%s] ", cfg.NodeID), log.LstdFlags)

	ledgerDB, err := dbm.NewGoLevelDB("ledger", cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	gospelDB, err := dbm.NewGoLevelDB("gospel", cfg.GospelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open gospel database: %w", err)
	}

	ledgerKV := kvdb.NewKVAdapter(ledgerDB)
	gospelKV := kvdb.NewKVAdapter(gospelDB)

	gospelLedger, err := gospel.NewLedger(gospelKV, nilAuthorityVerifier{},
		gospel.WithSkewTolerance(uint64(cfg.RevocationSkew.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to init gospel ledger: %w", err)
	}

	keySource := signing.NewMemorySource()
	if err := keySource.GenerateKey(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	handle, err := keySource.GetSigningHandle(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain node signing handle: %w", err)
	}
	nodePub, err := keySource.GetPublicKey(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read node public key: %w", err)
	}
	signingSvc := signing.NewService(keySource)

	identityRegistry := identity.NewRegistry()
	self := identity.PlatformIdentity{
		NodeID:    cfg.NodeID,
		PublicKey: hex.EncodeToString(nodePub),
		Variant:   identity.VariantSoftware,
	}
	handshakes := identity.NewHandshakeManager(self, nil, signingSvc, handle, nil, identity.HandshakeConfig{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NonceWindow:      cfg.NonceWindow,
	})
	enrollment := identity.NewEnrollmentServer(identityRegistry, cfg.EnrollmentNonceWindow, 0)

	healthEngine := health.NewEngine(healthThresholds(cfg.Health))

	n := &Node{
		Config:          cfg,
		Signing:         signingSvc,
		Chains:          chain.NewRegistry(),
		Ledger:          ledger.NewStore(ledgerKV),
		Identity:        identityRegistry,
		Enrollment:      enrollment,
		Handshakes:      handshakes,
		Gossip:          gossip.NewWhisper(cfg.NodeID, gossip.WithBounds(cfg.GossipMaxHops, cfg.GossipMaxMsgAge)),
		Bunker:          gossip.NewBunker(cfg.NodeID, ledgerKV),
		Health:          healthEngine,
		Gospel:          gospelLedger,
		Aggregator:      merkle.NewAggregator(cfg.NodeID),
		handle:          handle,
		pubKeyHex:       hex.EncodeToString(nodePub),
		ledgerDB:        ledgerDB,
		gospelDB:        gospelDB,
		checkpointStart: make(map[string]uint64),
		logger:          logger,
	}

	authoritySet := admission.AuthoritySet{}
	kernelOpts := []admission.Option{
		admission.WithRevocationLedger(gospelLedger),
		admission.WithTrustGate(healthEngine, n.attestationScore, cfg.TrustThreshold),
		admission.WithAuditSink(n),
		admission.WithReplayWindows(admission.ReplayWindows{
			MaxTimestampAgeSecs: uint64(cfg.CmdFreshnessPast.Seconds()),
			MaxFutureSkewSecs:   uint64(cfg.CmdFreshnessFuture.Seconds()),
			NonceRetentionSecs:  uint64(cfg.CmdNonceRetention.Seconds()),
			MaxNoncesPerDevice:  cfg.CmdNonceCap,
		}),
	}
	if authorities != nil {
		keys := make(authorityKeys, len(authorities.Authorities))
		for _, member := range authorities.Authorities {
			authoritySet[member.NodeID] = struct{}{}
			pub, err := hex.DecodeString(member.PublicKey)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				logger.Printf("authority %s has no usable public key, signer lookup will reject it", member.NodeID)
				continue
			}
			keys[member.NodeID] = ed25519.PublicKey(pub)
		}
		if len(keys) > 0 {
			kernelOpts = append(kernelOpts, admission.WithKeyDirectory(keys))
		}
	}
	n.Admission = admission.NewKernel(authoritySet, kernelOpts...)

	if cfg.DatabaseURL != "" {
		mirror, err := auditmirror.NewPostgresMirror(cfg.DatabaseURL)
		if err != nil {
			logger.Printf("audit mirror unavailable, continuing without it: %v", err)
		} else {
			n.AuditMirror = mirror
		}
	}
	fsMirror, err := auditmirror.NewFirestoreMirror(context.Background(), auditmirror.FirestoreConfig{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsFile: cfg.FirebaseCredentialsFile,
		Enabled:         cfg.FirestoreEnabled,
	})
	if err != nil {
		logger.Printf("firestore audit sync unavailable, continuing without it: %v", err)
		fsMirror, _ = auditmirror.NewFirestoreMirror(context.Background(), auditmirror.FirestoreConfig{Enabled: false})
	}
	n.Firestore = fsMirror

	n.Gossip.SetComparisonSink(func(sourceNode string, agreed bool) {
		n.Health.RecordObservation(sourceNode, agreed, uint64(time.Now().Unix()))
	})

	n.Health.SetOnQuarantine(func(nodeID string, metrics health.PeerMetrics) {
		logger.Printf("quarantining peer %s (agreement %.2f, %d chain breaks, %d signature failures)",
			nodeID, metrics.RootAgreementRatio(), metrics.ChainBreakCount, metrics.SignatureFailureCount)
		n.Identity.Revoke(nodeID, uint64(time.Now().Unix()), "quarantined by node-health engine")
		if draft, err := n.ProposeRevocation(nodeID, "ByzantineDetection"); err == nil {
			logger.Printf("revocation proposal for %s awaiting authority signature (root_after=%s)",
				nodeID, draft.MerkleRootAfter)
		}
		if err := n.Firestore.SyncNodeHealthStatus(context.Background(), nodeID, string(metrics.Status), metrics.TrustScore); err != nil {
			logger.Printf("firestore health sync for %s failed: %v", nodeID, err)
		}
	})

	if err := n.runStartupChecks(); err != nil {
		return nil, err
	}

	return n, nil
}

// runStartupChecks verifies every known device's persisted chain and
// rebuilds the in-memory chains for the healthy ones. Corrupt devices stay
// readable for forensics but refuse appends.
func (n *Node) runStartupChecks() error {
	devices, err := n.Ledger.KnownDevices()
	if err != nil {
		return fmt.Errorf("failed to enumerate ledger devices: %w", err)
	}
	now := uint64(time.Now().Unix())
	for _, device := range devices {
		h, err := n.Ledger.CheckStartup(device, n.Config.NodeID, now)
		if err != nil {
			return fmt.Errorf("startup check for device %s: %w", device, err)
		}
		if h.Status == ledger.HealthCorrupt {
			n.logger.Printf("device %s ledger is CORRUPT, read-only: %s", device, h.Reason)
			continue
		}
		if _, err := n.Chains.Rebuild(device, n.Ledger); err != nil {
			return fmt.Errorf("chain rebuild for device %s: %w", device, err)
		}
	}
	return nil
}

// attestationScore resolves a signer's intrinsic trust from the identity
// registry; unenrolled signers score zero.
func (n *Node) attestationScore(signerID string) float64 {
	id, ok := n.Identity.Get(signerID)
	if !ok {
		return 0
	}
	return id.Variant.TrustScore()
}

// identityKeyLookup resolves gossip sources against enrolled identities.
func (n *Node) identityKeyLookup(nodeID string) (ed25519.PublicKey, bool) {
	id, ok := n.Identity.Get(nodeID)
	if !ok {
		return nil, false
	}
	pub, err := hex.DecodeString(id.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(pub), true
}

// AppendEvent signs and records a new canonical event on deviceID's chain:
// hash, sign, chain-append, durable ledger append, and gossip local-state
// update, in that order. It returns the ledger-assigned sequence number.
// This is the host application's produce path.
func (n *Node) AppendEvent(deviceID string, eventType event.EventType, payload event.EventPayload, metadata map[string]interface{}) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := n.Chains.ChainFor(deviceID)
	var prevHash string
	if head := c.Head(); head != nil {
		prevHash = head.EventHash
	}

	e := &event.CanonicalEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		Timestamp:   nowMillis(),
		DeviceID:    deviceID,
		NodeID:      n.Config.NodeID,
		Sequence:    c.Height(),
		ChainHeight: c.Height(),
		PrevHash:    prevHash,
		Payload:     payload,
		Metadata:    metadata,
	}

	if _, err := n.Signing.SignEvent(n.handle, e); err != nil {
		return 0, err
	}
	link, err := c.Append(e)
	if err != nil {
		return 0, err
	}
	seq, err := n.Ledger.AppendSignedEvent(e, link.MerkleRoot)
	if err != nil {
		return 0, err
	}

	n.Gossip.SetLocalState(link.MerkleRoot, link.Sequence+1)
	return seq, nil
}

// ProduceCheckpoint folds deviceID's chain growth since the previous
// checkpoint into a signed checkpoint and returns it, ready for gossip.
func (n *Node) ProduceCheckpoint(deviceID string) (*merkle.Checkpoint, error) {
	c := n.Chains.ChainFor(deviceID)
	height := c.Height()

	n.mu.Lock()
	start := n.checkpointStart[deviceID]
	n.mu.Unlock()

	if height <= start {
		return nil, merkle.ErrEmptyWindow
	}

	var hashes [][]byte
	var startTS, endTS uint64
	for seq := start; seq < height; seq++ {
		link, ok := c.LinkBySequence(seq)
		if !ok {
			return nil, fmt.Errorf("chain link %d missing for device %s", seq, deviceID)
		}
		raw, err := hex.DecodeString(link.EventHash)
		if err != nil {
			return nil, fmt.Errorf("chain link %d has invalid hash: %w", seq, err)
		}
		hashes = append(hashes, raw)
		// Ledger rows are 1-based; chain links are 0-based.
		row, err := n.Ledger.GetEventBySeq(deviceID, seq+1)
		if err == nil {
			if startTS == 0 {
				startTS = row.Event.Timestamp
			}
			endTS = row.Event.Timestamp
		}
	}

	window := merkle.Window{
		NodeID:           n.Config.NodeID,
		WindowID:         merkle.NewWindowID(),
		WindowStartTS:    startTS,
		WindowEndTS:      endTS,
		EventHashes:      hashes,
		ChainHeightStart: start,
		ChainHeightEnd:   height - 1,
	}
	cp, err := n.Aggregator.CreateCheckpoint(window, n.pubKeyHex, nowMillis())
	if err != nil {
		return nil, err
	}

	sig, err := n.Signing.SignRaw(n.handle, cp.ComputeSigningHash())
	if err != nil {
		return nil, err
	}
	cp.Signature = hex.EncodeToString(sig)

	n.mu.Lock()
	n.checkpointStart[deviceID] = height
	n.mu.Unlock()
	return cp, nil
}

// AnnounceCheckpoint frames and signs cp for gossiping.
func (n *Node) AnnounceCheckpoint(cp *merkle.Checkpoint) (*gossip.Envelope, error) {
	env, err := gossip.NewEnvelope(gossip.BodyCheckpoint, gossip.CheckpointBody{Checkpoint: *cp}, n.Config.NodeID, nowMillis())
	if err != nil {
		return nil, err
	}
	if err := env.Sign(n.Signing, n.handle); err != nil {
		return nil, err
	}
	return env, nil
}

// HandleGossip processes an incoming envelope against the local state,
// feeding the health engine on signature failures and root comparisons.
// The returned envelope, when non-nil, should be forwarded to a fanout
// subset of peers.
func (n *Node) HandleGossip(env *gossip.Envelope) (gossip.Outcome, *gossip.Envelope) {
	outcome, forwarded, err := n.Gossip.ProcessEnvelope(env, nowMillis(), n.identityKeyLookup)
	if outcome == gossip.OutcomeBadSignature {
		n.Health.RecordSignatureFailure(env.SourceNode, uint64(time.Now().Unix()))
	}
	if err != nil {
		n.logger.Printf("gossip from %s rejected: %v", env.SourceNode, err)
	}
	return outcome, forwarded
}

// SubmitCommand runs env through the admission pipeline.
func (n *Node) SubmitCommand(ctx context.Context, env *admission.Envelope) (*admission.Decision, error) {
	return n.Admission.Admit(ctx, env, uint64(time.Now().Unix()))
}

// RecordAdmission implements admission.AuditSink: every decision becomes a
// signed canonical event on the reserved audit device chain, and is
// mirrored to the forensic store when one is attached.
func (n *Node) RecordAdmission(dec admission.Decision) error {
	data := map[string]interface{}{
		"command_id": dec.CommandID,
		"device_id":  dec.DeviceID,
		"scope":      string(dec.Scope),
		"signers":    dec.Signers,
		"code":       string(dec.Code),
	}
	if dec.Reason != "" {
		data["reason"] = dec.Reason
	}
	if len(dec.UnitResults) > 0 {
		results := make([]interface{}, 0, len(dec.UnitResults))
		for _, r := range dec.UnitResults {
			results = append(results, map[string]interface{}{"unit_id": r.UnitID, "ok": r.OK, "error": r.Error})
		}
		data["unit_results"] = results
	}

	_, err := n.AppendEvent(auditDeviceID, event.EventTypeCustom, event.EventPayload{
		Custom: &event.CustomPayload{TypeName: "c2_admission_decision", Data: data},
	}, nil)
	if err != nil {
		return err
	}

	if n.AuditMirror != nil {
		if merr := n.AuditMirror.RecordAdmissionDecision(context.Background(), dec.CommandID, dec.DeviceID, string(dec.Scope), dec.Admitted(), dec.Reason); merr != nil {
			n.logger.Printf("audit mirror write failed for command %s: %v", dec.CommandID, merr)
		}
	}
	return nil
}

// ApplyRevocation validates and commits a signed revocation certificate —
// locally issued or received over gossip — then removes the node's
// identity and mirrors the certificate to the forensic stores.
func (n *Node) ApplyRevocation(rev gospel.Revocation) error {
	if err := n.Gospel.AddRevocation(rev, uint64(time.Now().Unix())); err != nil {
		return err
	}
	n.Identity.Revoke(rev.NodeID, rev.Timestamp, rev.Reason)

	if n.AuditMirror != nil {
		if err := n.AuditMirror.RecordRevocation(context.Background(), rev.NodeID, rev.Reason, rev.AuthorityID, rev.Timestamp); err != nil {
			n.logger.Printf("audit mirror revocation write failed for %s: %v", rev.NodeID, err)
		}
	}
	if err := n.Firestore.SyncRevocation(context.Background(), rev.NodeID, rev.Reason, rev.AuthorityID, rev.Timestamp); err != nil {
		n.logger.Printf("firestore revocation sync failed for %s: %v", rev.NodeID, err)
	}
	return nil
}

// ProposeRevocation drafts an unsigned revocation certificate for nodeID,
// committing to the Merkle root the Gospel would reach. The draft still
// needs a federation authority signature before AddRevocation accepts it.
func (n *Node) ProposeRevocation(nodeID, reason string) (*gospel.Revocation, error) {
	rootAfter, err := n.Gospel.PreviewRootAfter(nodeID)
	if err != nil {
		return nil, err
	}
	return &gospel.Revocation{
		NodeID:          nodeID,
		Reason:          reason,
		Timestamp:       uint64(time.Now().Unix()),
		AuthorityID:     n.Config.NodeID,
		MerkleRootAfter: rootAfter,
	}, nil
}

// Run starts the node's background loops (health decay, gossip pruning,
// handshake timeout sweeps) and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.Health.StartDecayLoop(n.Config.StalenessTTL, n.Config.StalenessTTL, func() uint64 {
		return uint64(time.Now().Unix())
	})

	pruneTicker := time.NewTicker(n.Config.GossipMaxMsgAge)
	defer pruneTicker.Stop()
	handshakeTicker := time.NewTicker(n.Config.HandshakeTimeout)
	defer handshakeTicker.Stop()

	n.logger.Printf("node %s running (ledger=%s gospel=%s)", n.Config.NodeID, n.Config.LedgerPath, n.Config.GospelPath)

	for {
		select {
		case <-ctx.Done():
			return n.Close()
		case <-pruneTicker.C:
			n.Gossip.PruneOldMessages(gossip.DefaultMaxSeenMessages)
		case <-handshakeTicker.C:
			n.Handshakes.Cleanup(nowMillis())
		}
	}
}

// Close stops background loops and releases held resources. Safe to call
// more than once.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.Health.Stop()

	var firstErr error
	if n.ledgerDB != nil {
		if err := n.ledgerDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.ledgerDB = nil
	}
	if n.gospelDB != nil {
		if err := n.gospelDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.gospelDB = nil
	}
	if n.AuditMirror != nil {
		if err := n.AuditMirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.Firestore != nil {
		if err := n.Firestore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
