// Copyright 2025 Civica Ledger Contributors
//
// Bootstrap peer list loading, adapted from the teacher's
// pkg/config/anchor_config.go: YAML with ${VAR_NAME} / ${VAR_NAME:-default}
// environment substitution before unmarshaling, and a Duration type that
// parses Go duration strings out of YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "30s" or "5m", the same convention the corpus uses for every
// human-edited timing field.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// PeerEntry is one bootstrap peer this node should attempt to contact
// on startup, before the pull-sync loop discovers others transitively.
type PeerEntry struct {
	ValidatorID string   `yaml:"validator_id"`
	Address     string   `yaml:"address"`
	SyncTimeout Duration `yaml:"sync_timeout"`
}

// PeersFile is the parsed shape of peers.list.
type PeersFile struct {
	Peers []PeerEntry `yaml:"peers"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references in
// content against the process environment, the same templating
// convention the corpus's YAML config files use so peers.list can be
// checked into version control without embedding secrets.
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

// LoadPeersFile loads and env-substitutes a peers.list YAML file.
func LoadPeersFile(path string) (*PeersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read peers file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var pf PeersFile
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("config: parse peers file %s: %w", path, err)
	}
	return &pf, nil
}

// Addresses returns the peers file's contents as a validator id -> address
// map, the shape pkg/replication.NewPeerRegistry expects.
func (pf *PeersFile) Addresses() map[string]string {
	out := make(map[string]string, len(pf.Peers))
	for _, p := range pf.Peers {
		out[p.ValidatorID] = p.Address
	}
	return out
}
