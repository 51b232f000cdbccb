// Package config loads the coordinator's ServerConfig from an optional
// YAML file, falling back to the defaults mirrored from the original
// system's DEFAULT_* constants (spec.md §10.3).
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dronecoord/sentinel/pkg/types"
)

// Load reads ServerConfig from path. An empty path returns the
// built-in defaults unchanged. The file need not set every field;
// omitted fields keep their default value.
func Load(path string) (types.ServerConfig, error) {
	cfg := types.DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Flags holds the coordinator flag values that RegisterFlags binds
// onto a flag set and that Resolve applies after fs.Parse. Bound to a
// caller-supplied *flag.FlagSet (rather than package-global flags) so
// cmd/coordinator's main can be tested without colliding with the
// default command line.
type Flags struct {
	ConfigPath *string
	Port       *int
	MaxDrones  *int
}

// RegisterFlags registers the coordinator's command-line overrides.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ConfigPath: fs.String("config", "", "path to a YAML server config file"),
		Port:       fs.Int("port", 0, "override the drone listener port (0 = use config/default)"),
		MaxDrones:  fs.Int("max-drones", 0, "override the maximum fleet size (0 = use config/default)"),
	}
}

// Resolve loads the config file named by f.ConfigPath (if any) and
// applies any non-zero flag overrides on top.
func Resolve(f *Flags) (types.ServerConfig, error) {
	cfg, err := Load(*f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if *f.Port != 0 {
		cfg.Port = *f.Port
	}
	if *f.MaxDrones != 0 {
		cfg.MaxDrones = *f.MaxDrones
	}
	return cfg, nil
}
