package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be parsed from YAML strings like
// "5s" or "30s" rather than raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// AuthorityMember is one entry in the static authority registry: a node
// trusted to co-sign SwarmLarge commands (pkg/admission) and to issue
// revocation certificates (pkg/gospel).
type AuthorityMember struct {
	NodeID    string `yaml:"node_id"`
	PublicKey string `yaml:"public_key_hex"`
	Role      string `yaml:"role"`
}

// PeerSeed is one entry in the static seed-peer list a gossip node dials
// on startup before it has discovered any peers from the mesh itself.
type PeerSeed struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

// AuthorityRegistry is the YAML-loaded set of authority members and seed
// peers a node is bootstrapped with. It is the static counterpart to the
// identities pkg/identity.Registry learns dynamically at runtime.
type AuthorityRegistry struct {
	Authorities []AuthorityMember `yaml:"authorities"`
	SeedPeers   []PeerSeed        `yaml:"seed_peers"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-(.*?))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} with
// environment variable values, so a registry file can be checked in with
// placeholders and filled in per-deployment.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadAuthorityRegistry reads a YAML authority-registry file, substituting
// any ${VAR_NAME} placeholders from the environment first.
func LoadAuthorityRegistry(path string) (*AuthorityRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read authority registry %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var reg AuthorityRegistry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("failed to parse authority registry %s: %w", path, err)
	}
	return &reg, nil
}

// AuthorityNodeIDs returns the node IDs of every authority member, the
// shape pkg/admission.AuthoritySet expects.
func (r *AuthorityRegistry) AuthorityNodeIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Authorities))
	for _, a := range r.Authorities {
		out[a.NodeID] = struct{}{}
	}
	return out
}
