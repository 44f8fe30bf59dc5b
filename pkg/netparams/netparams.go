// Package netparams loads the per-network epoch boundaries the validator
// keeper needs (SPEC_FULL.md §6's BabylonStartEpoch). Grounded on
// services/lendingd/config/config.go's yaml.v3 decoder-based Load (the same
// library the teacher repo uses for its service-level YAML configs).
package netparams

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Network is one named network's keeper epoch parameters.
type Network struct {
	Name              string `yaml:"name"`
	BabylonStartEpoch uint64 `yaml:"babylon_start_epoch"`
}

// Params is the full set of networks a keeper deployment may select from.
type Params struct {
	Networks []Network `yaml:"networks"`
}

// Load reads a YAML network-parameters file from disk.
func Load(path string) (Params, error) {
	if path == "" {
		return Params{}, fmt.Errorf("netparams: config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Params{}, fmt.Errorf("netparams: open config: %w", err)
	}
	defer file.Close()

	var p Params
	if err := yaml.NewDecoder(file).Decode(&p); err != nil {
		return Params{}, fmt.Errorf("netparams: decode config: %w", err)
	}
	return p, nil
}

// Find returns the named network's parameters.
func (p Params) Find(name string) (Network, bool) {
	for _, n := range p.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}
