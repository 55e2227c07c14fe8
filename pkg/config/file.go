// Copyright 2025 Certen Protocol
//
// Chain roster overlay - the structural part of configuration (which
// chains this instance watches/delivers to, their VM family, RPC
// endpoints, and confirmation policy) loaded from YAML rather than
// environment variables, since a roster is a list, not a scalar.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainEntry describes one chain this instance has an adapter for.
type ChainEntry struct {
	Chain      uint32 `yaml:"chain"`
	Family     string `yaml:"family"` // evm | hub_move | connected_move | svm
	RPCURL     string `yaml:"rpc_url"`
	Endpoint   string `yaml:"endpoint"`    // contract address / module address / program id, family-specific encoding
	SubmitKey  string `yaml:"submit_key_env"` // name of the env var holding the submitter key, never the key itself
	MaxWindow  uint64 `yaml:"max_window"`
	Confirm    uint64 `yaml:"confirmation_depth"`
}

// RosterFile is the top-level shape of a CHAINS_CONFIG_PATH YAML file.
type RosterFile struct {
	Chains []ChainEntry `yaml:"chains"`
	// Routes lists, for the relay, which destination chains accept
	// messages from which source chains — used both for delivery fan-out
	// and to scope the trust cache's per-destination refresh set.
	Routes []RouteEntry `yaml:"routes"`
}

// RouteEntry is one (source -> destination) pair the relay is configured
// to forward between.
type RouteEntry struct {
	SrcChain uint32 `yaml:"src_chain"`
	DstChain uint32 `yaml:"dst_chain"`
}

// LoadChainsFile reads and parses the chain roster overlay at path.
func LoadChainsFile(path string) (*RosterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read chains file %s: %w", path, err)
	}
	var rf RosterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: parse chains file %s: %w", path, err)
	}
	if len(rf.Chains) == 0 {
		return nil, fmt.Errorf("config: chains file %s declares no chains", path)
	}
	seen := make(map[uint32]bool, len(rf.Chains))
	for _, c := range rf.Chains {
		if seen[c.Chain] {
			return nil, fmt.Errorf("config: chains file %s declares chain %d more than once", path, c.Chain)
		}
		seen[c.Chain] = true
		switch c.Family {
		case "evm", "hub_move", "connected_move", "svm":
		default:
			return nil, fmt.Errorf("config: chain %d has unknown family %q", c.Chain, c.Family)
		}
		if c.RPCURL == "" {
			return nil, fmt.Errorf("config: chain %d missing rpc_url", c.Chain)
		}
	}
	return &rf, nil
}
