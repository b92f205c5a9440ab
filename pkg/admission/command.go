package admission

import (
	"github.com/aethercore/trustfabric/pkg/errs"
	"github.com/aethercore/trustfabric/pkg/event"
	"lukechampine.com/blake3"
)

// CommandName identifies what a command asks the target to do.
type CommandName string

const (
	CmdEmergencyStop   CommandName = "EMERGENCY_STOP"
	CmdAbortAll        CommandName = "ABORT_ALL"
	CmdReboot          CommandName = "REBOOT"
	CmdConfigure       CommandName = "CONFIGURE"
	CmdSetWaypoint     CommandName = "SET_WAYPOINT"
	CmdHoldPosition    CommandName = "HOLD_POSITION"
	CmdResumeMission   CommandName = "RESUME_MISSION"
	CmdActivatePayload CommandName = "ACTIVATE_PAYLOAD"
)

// Target addresses either a single unit or a swarm. Exactly one of Unit
// and Swarm is populated.
type Target struct {
	Unit  string   `json:"unit,omitempty"`
	Swarm []string `json:"swarm,omitempty"`
}

// IsSwarm reports whether the target addresses more than a single unit.
func (t Target) IsSwarm() bool { return len(t.Swarm) > 0 }

// Units returns every addressed unit ID regardless of target shape.
func (t Target) Units() []string {
	if t.IsSwarm() {
		return t.Swarm
	}
	if t.Unit != "" {
		return []string{t.Unit}
	}
	return nil
}

// Command is the tagged command payload inside an Envelope.
type Command struct {
	Name   CommandName            `json:"name"`
	Target Target                 `json:"target"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// swarmLargeFloor is the target count at which a swarm command crosses from
// SwarmSmall to SwarmLarge.
const swarmLargeFloor = 5

// Classify derives the command's admission scope from its name and target
// shape: emergency commands need one signature no matter the blast radius,
// single-unit reboot/configure are critical, and swarm commands scale with
// how many units they reach.
func (c *Command) Classify() Scope {
	switch c.Name {
	case CmdEmergencyStop, CmdAbortAll:
		return ScopeEmergency
	}
	if c.Target.IsSwarm() {
		if len(c.Target.Swarm) >= swarmLargeFloor {
			return ScopeSwarmLarge
		}
		return ScopeSwarmSmall
	}
	switch c.Name {
	case CmdReboot, CmdConfigure:
		return ScopeSingleUnitCritical
	}
	return ScopeSingleUnitNormal
}

// CanonicalBytes serializes the command to the module-wide canonical JSON
// form (sorted keys at every depth, compact output).
func (c *Command) CanonicalBytes() ([]byte, error) {
	b, err := event.CanonicalJSON(c)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "canonicalize command", err)
	}
	return b, nil
}

// SigningHash returns the BLAKE3 digest of the command's canonical bytes —
// the exact bytes every authority signature in the envelope must cover.
func (c *Command) SigningHash() ([]byte, error) {
	canon, err := c.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(canon)
	return sum[:], nil
}
