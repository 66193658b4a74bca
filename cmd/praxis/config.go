package main

import (
	"github.com/BurntSushi/toml"
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/vm"
)

// Config is the TOML runtime configuration. The capability registry a
// program was compiled against is reconstructed from the registered list,
// in order, so the indices embedded in its bytecode resolve to the same
// tokens.
type Config struct {
	Tier         string             `toml:"tier"`
	Limits       LimitsConfig       `toml:"limits"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
}

type LimitsConfig struct {
	MaxOps            int64 `toml:"max_ops"`
	MaxStackDepth     int   `toml:"max_stack_depth"`
	MaxRecursionDepth int   `toml:"max_recursion_depth"`
	MaxHeapBytes      int64 `toml:"max_heap_bytes"`
}

type CapabilitiesConfig struct {
	Registered []string `toml:"registered"`
	Granted    []string `toml:"granted"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) limits() vm.Limits {
	return vm.Limits{
		MaxOps:            c.Limits.MaxOps,
		MaxStackDepth:     c.Limits.MaxStackDepth,
		MaxRecursionDepth: c.Limits.MaxRecursionDepth,
		MaxHeapBytes:      c.Limits.MaxHeapBytes,
	}
}

// buildRegistry creates the registry and the granted token set named by the
// configuration. Granted names not present in the registered list are
// registered as well, appended after it.
func (c *Config) buildRegistry() (*capability.Registry, []capability.Token) {
	registry := capability.NewRegistry()
	byName := map[string]capability.Token{}
	for _, name := range c.Capabilities.Registered {
		if _, ok := byName[name]; ok {
			continue
		}
		token := capability.NewToken(name)
		registry.Register(token)
		byName[name] = token
	}
	var granted []capability.Token
	for _, name := range c.Capabilities.Granted {
		token, ok := byName[name]
		if !ok {
			token = capability.NewToken(name)
			registry.Register(token)
			byName[name] = token
		}
		granted = append(granted, token)
	}
	return registry, granted
}
