// Package health implements the Node-Health Engine (C8): per-peer
// root-agreement, chain-continuity, and signature-failure tracking, a
// status rule table, and a quarantine hook that proposes revocation once a
// peer crosses the compromised threshold.
package health

import (
	"context"
	"log"
	"sync"
	"time"
)

// Status is a peer's current trust classification.
type Status string

const (
	StatusUnknown     Status = "UNKNOWN"
	StatusCompromised Status = "COMPROMISED"
	StatusDegraded    Status = "DEGRADED"
	StatusHealthy     Status = "HEALTHY"
)

// Thresholds configures the status rule table. Field names mirror the
// pinned defaults a deployment tunes via pkg/config.HealthThresholds; this
// package does not import pkg/config itself so that it stays usable without
// pulling in environment-loading code.
type Thresholds struct {
	// ChainBreakDegrade/ChainBreakFatal bound the cumulative chain-break
	// count before a peer is pushed to Degraded/Compromised.
	ChainBreakDegrade int
	ChainBreakFatal   int
	// SigFailureDegrade/SigFailureFatal bound the cumulative signature-
	// failure count before a peer is pushed to Degraded/Compromised.
	SigFailureDegrade int
	SigFailureFatal   int
	// MissingWindowDegrade bounds the cumulative count of missing-window
	// observations before a peer is pushed to Degraded.
	MissingWindowDegrade int
	// HealthyRatio is the root agreement ratio at or above which a peer is
	// Healthy; CompromisedRatio is the ratio below which a peer is
	// Compromised regardless of the fault counters.
	HealthyRatio     float64
	CompromisedRatio float64
}

// DefaultThresholds returns the spec-pinned defaults, matching
// pkg/config.HealthThresholds' own default values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ChainBreakDegrade:    1,
		ChainBreakFatal:      5,
		SigFailureDegrade:    1,
		SigFailureFatal:      10,
		MissingWindowDegrade: 2,
		HealthyRatio:         0.95,
		CompromisedRatio:     0.70,
	}
}

// classify applies the ordered status rule table: the first matching rule
// wins. stale is set by the caller when the peer's last update is older
// than the configured staleness TTL, which forces Unknown ahead of every
// other rule. Each fault counter is checked independently against its own
// degrade/fatal threshold; a peer with no root comparisons at all is
// Unknown (zero trust by default).
func classify(m *PeerMetrics, stale bool, th Thresholds) Status {
	ratio := m.RootAgreementRatio()
	if m.TotalObservations() == 0 || stale || (ratio == 0.0 && m.RootMatches == 0) {
		return StatusUnknown
	}

	switch {
	case m.ChainBreakCount >= uint64(th.ChainBreakFatal):
		return StatusCompromised
	case m.SignatureFailureCount >= uint64(th.SigFailureFatal):
		return StatusCompromised
	case ratio < th.CompromisedRatio:
		return StatusCompromised
	case m.ChainBreakCount >= uint64(th.ChainBreakDegrade):
		return StatusDegraded
	case m.SignatureFailureCount >= uint64(th.SigFailureDegrade):
		return StatusDegraded
	case m.MissingWindowCount >= uint64(th.MissingWindowDegrade):
		return StatusDegraded
	case ratio < th.HealthyRatio:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// PeerMetrics tracks one peer's observed history across the six counters
// gossip and chain verification feed into the health engine.
type PeerMetrics struct {
	NodeID                string
	RootMatches           uint64
	RootMismatches        uint64
	RootDriftCount        uint64
	ChainBreakCount       uint64
	SignatureFailureCount uint64
	MissingWindowCount    uint64
	TrustScore            float64
	Status                Status
	LastUpdated           uint64
}

// TotalObservations sums every counter this peer has accrued.
func (m *PeerMetrics) TotalObservations() uint64 {
	return m.RootMatches + m.RootMismatches + m.RootDriftCount +
		m.ChainBreakCount + m.SignatureFailureCount + m.MissingWindowCount
}

// RootAgreementRatio returns RootMatches/(RootMatches+RootMismatches), or 0
// if no root comparisons have been recorded yet.
func (m *PeerMetrics) RootAgreementRatio() float64 {
	denom := m.RootMatches + m.RootMismatches
	if denom == 0 {
		return 0
	}
	return float64(m.RootMatches) / float64(denom)
}

// Engine tracks health metrics for every peer this node has observed and
// invokes a quarantine callback when a peer crosses into Compromised.
type Engine struct {
	mu         sync.RWMutex
	peers      map[string]*PeerMetrics
	thresholds Thresholds
	logger     *log.Logger

	onQuarantine func(nodeID string, metrics PeerMetrics)

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewEngine returns an empty health engine applying th's status thresholds.
func NewEngine(th Thresholds) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		peers:      make(map[string]*PeerMetrics),
		thresholds: th,
		logger:     log.New(log.Writer(), "[Health] ", log.LstdFlags),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetOnQuarantine registers the callback fired the instant a peer's status
// transitions into Compromised.
func (e *Engine) SetOnQuarantine(fn func(nodeID string, metrics PeerMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onQuarantine = fn
}

func (e *Engine) ensure(nodeID string) *PeerMetrics {
	m, ok := e.peers[nodeID]
	if !ok {
		m = &PeerMetrics{NodeID: nodeID, Status: StatusUnknown}
		e.peers[nodeID] = m
	}
	return m
}

// finalize recomputes trust score and status for m, fires the quarantine
// callback on a fresh transition into Compromised, and returns a snapshot.
// Must be called with e.mu held; it releases the lock before returning.
func (e *Engine) finalize(m *PeerMetrics, now uint64) PeerMetrics {
	m.TrustScore = m.RootAgreementRatio()
	m.LastUpdated = now

	prevStatus := m.Status
	m.Status = classify(m, false, e.thresholds)
	snapshot := *m
	cb := e.onQuarantine
	e.mu.Unlock()

	if prevStatus != StatusCompromised && snapshot.Status == StatusCompromised && cb != nil {
		cb(snapshot.NodeID, snapshot)
	}
	return snapshot
}

// RecordObservation folds one root-agreement data point for nodeID into its
// running metrics and re-evaluates status. This is C7 gossip's primary
// feed: agreed=true means the peer's announced root matched ours at the
// same height, agreed=false means it diverged at the same height.
func (e *Engine) RecordObservation(nodeID string, agreed bool, now uint64) PeerMetrics {
	e.mu.Lock()
	m := e.ensure(nodeID)
	if agreed {
		m.RootMatches++
	} else {
		m.RootMismatches++
	}
	return e.finalize(m, now)
}

// RecordRootDrift records a peer announcing a root that differs from ours
// at a height where an exact match was expected but the divergence looks
// like clock/propagation drift rather than a hard conflict.
func (e *Engine) RecordRootDrift(nodeID string, now uint64) PeerMetrics {
	e.mu.Lock()
	m := e.ensure(nodeID)
	m.RootDriftCount++
	return e.finalize(m, now)
}

// RecordChainBreak records a peer whose gossiped checkpoint failed chain
// continuity verification.
func (e *Engine) RecordChainBreak(nodeID string, now uint64) PeerMetrics {
	e.mu.Lock()
	m := e.ensure(nodeID)
	m.ChainBreakCount++
	return e.finalize(m, now)
}

// RecordSignatureFailure records a peer whose gossiped message or
// checkpoint failed signature verification.
func (e *Engine) RecordSignatureFailure(nodeID string, now uint64) PeerMetrics {
	e.mu.Lock()
	m := e.ensure(nodeID)
	m.SignatureFailureCount++
	return e.finalize(m, now)
}

// RecordMissingWindow records a peer that failed to gossip within its
// expected window (a missed heartbeat).
func (e *Engine) RecordMissingWindow(nodeID string, now uint64) PeerMetrics {
	e.mu.Lock()
	m := e.ensure(nodeID)
	m.MissingWindowCount++
	return e.finalize(m, now)
}

// Get returns a snapshot of nodeID's current metrics.
func (e *Engine) Get(nodeID string) (PeerMetrics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.peers[nodeID]
	if !ok {
		return PeerMetrics{}, false
	}
	return *m, true
}

// Recover applies the sliding-window decay to nodeID's fault counters:
// chain breaks, signature failures, and missing windows are cleared so a
// peer whose agreement ratio has climbed back above the healthy floor can
// return to Healthy. Root-comparison history is untouched, and a single
// successful event never triggers this — callers invoke it from their own
// decay schedule.
func (e *Engine) Recover(nodeID string, now uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.peers[nodeID]
	if !ok {
		return
	}
	m.ChainBreakCount = 0
	m.SignatureFailureCount = 0
	m.MissingWindowCount = 0
	m.Status = classify(m, false, e.thresholds)
	m.LastUpdated = now
}

// HealthyPeerCount returns how many tracked peers currently have Healthy
// status, used by the admission kernel's quorum checks.
func (e *Engine) HealthyPeerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, m := range e.peers {
		if m.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// IsByzantineFaultTolerant reports whether n participants can tolerate f
// faulty members under the standard n >= 3f+1 bound.
func IsByzantineFaultTolerant(n, f int) bool {
	return n >= 3*f+1
}

// Stop cancels the engine's background context, if any was started.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.cancel()
		e.running = false
	}
}

// StartDecayLoop periodically forces any peer whose last update is older
// than staleAfter back to Unknown, preventing a peer that has simply gone
// quiet from staying pinned at its last-observed status.
func (e *Engine) StartDecayLoop(interval, staleAfter time.Duration, nowFn func() uint64) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				now := nowFn()
				e.mu.Lock()
				for _, m := range e.peers {
					stale := now > m.LastUpdated && now-m.LastUpdated > uint64(staleAfter.Seconds())
					if stale {
						m.Status = classify(m, true, e.thresholds)
					}
				}
				e.mu.Unlock()
			}
		}
	}()
}
