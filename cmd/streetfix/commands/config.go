package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/streetfix/streetfix-client/internal/app"
)

// envPrefix marks variables that feed the config; a double underscore nests
// (STREETFIX_AUTH__REDIS__ADDR → auth.redis.addr).
const envPrefix = "STREETFIX_"

// configSource is one layer of configuration. Later layers win.
type configSource struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// loadConfig merges the config file, STREETFIX_* variables and explicitly
// set CLI flags, then applies defaults and validates the result.
// Without an explicit path the per-user config file is used when it exists.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	var sources []configSource
	if configPath != "" {
		sources = append(sources, configSource{"config file", file.Provider(configPath), toml.Parser()})
	}
	sources = append(sources, configSource{"environment variables", env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envKey,
		EnvironFunc:   environFunc,
	}), nil})
	if cmd != nil {
		sources = append(sources, configSource{"CLI flags", confmap.Provider(flagValues(cmd), "."), nil})
	}

	k := koanf.New(".")
	for _, src := range sources {
		if err := k.Load(src.provider, src.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", src.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", ".")), value
}

// defaultConfigPath returns the per-user config file if it exists.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "streetfix", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// flagValues maps explicitly set flags, including those of parent commands,
// onto config keys: --api--base-url → api.base_url, --log-level → log_level.
// Unset flags are skipped so their defaults never shadow the file or env.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if name == "config" || !cmd.IsSet(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
			values[key] = value
		}
	}
	return values
}
