package health

// TrustLevel buckets a peer's combined trust score for consumers that make
// go/no-go decisions (the admission kernel, the revocation proposer).
type TrustLevel string

const (
	TrustHealthy     TrustLevel = "HEALTHY"
	TrustSuspect     TrustLevel = "SUSPECT"
	TrustQuarantined TrustLevel = "QUARANTINED"
)

// Trust level boundaries: Healthy at or above 0.8, Quarantined below 0.3,
// Suspect in between.
const (
	trustHealthyFloor    = 0.8
	trustQuarantinedCeil = 0.3
)

// LevelForScore maps a combined trust score to its level.
func LevelForScore(score float64) TrustLevel {
	switch {
	case score >= trustHealthyFloor:
		return TrustHealthy
	case score < trustQuarantinedCeil:
		return TrustQuarantined
	default:
		return TrustSuspect
	}
}

// statusFactor weights the combined trust score by the peer's behavioral
// status. Unknown peers score zero: trust is earned, never presumed.
func statusFactor(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusDegraded:
		return 0.5
	default: // Compromised, Unknown
		return 0.0
	}
}

// CombinedTrust computes nodeID's overall trust score as the product of its
// behavioral root-agreement ratio, its status factor, and the intrinsic
// attestation score the caller obtained from the identity registry. The
// returned level is the bucket admission gates on; known is false when the
// engine has never observed this peer (which also means zero trust).
func (e *Engine) CombinedTrust(nodeID string, attestationScore float64) (score float64, level TrustLevel, known bool) {
	e.mu.RLock()
	m, ok := e.peers[nodeID]
	if !ok {
		e.mu.RUnlock()
		return 0, TrustQuarantined, false
	}
	behavioral := m.RootAgreementRatio()
	status := m.Status
	e.mu.RUnlock()

	score = behavioral * statusFactor(status) * attestationScore
	return score, LevelForScore(score), true
}

// IsQuarantined reports whether nodeID's combined trust (at the given
// attestation score) falls in the Quarantined bucket.
func (e *Engine) IsQuarantined(nodeID string, attestationScore float64) bool {
	_, level, known := e.CombinedTrust(nodeID, attestationScore)
	return !known || level == TrustQuarantined
}
