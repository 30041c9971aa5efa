package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "VIEWSTORE_"

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr     string
	DB       string
	Config   string
	Set      map[string]bool
	Validate bool
}

// EffectiveConfigResult is the merged configuration and where it came from.
type EffectiveConfigResult struct {
	Config  *Config
	Sources []string
}

// ParseConfigFlags parses the command line. Only the listen address, the
// store path and the config file location are exposed as flags.
func ParseConfigFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	addr := fs.String("addr", ":8080", "HTTP listen address")
	db := fs.String("db", defaultStorePath, "Pebble store path")
	cfg := fs.String("config", "./config.yaml", "Path to config file")
	validate := fs.Bool("validate", false, "Validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addr, DB: *db, Config: *cfg, Set: set, Validate: *validate}, nil
}

// ParseEnv applies VIEWSTORE_* variables onto target. Unset variables leave
// the target untouched.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEffectiveConfig layers the config file, the environment and explicit
// flags, in that order of increasing precedence, then applies defaults.
// A missing config file is only an error when --config was set.
func LoadEffectiveConfig(flags Flags) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	cfg, err := LoadConfigFile(flags.Config)
	switch {
	case err == nil:
		res.Sources = append(res.Sources, "config")
	case errors.Is(err, os.ErrNotExist) && !flags.Set["config"]:
		cfg = &Config{}
	default:
		return res, err
	}

	before := *cfg
	if err := ParseEnv(cfg); err != nil {
		return res, err
	}
	if *cfg != before {
		res.Sources = append(res.Sources, "env")
	}

	if flags.Set["addr"] {
		host, port, err := splitAddr(flags.Addr)
		if err != nil {
			return res, err
		}
		cfg.Server.Address = host
		cfg.Server.Port = port
	}
	if flags.Set["db"] {
		cfg.Store.Path = flags.DB
	}
	if flags.Set["addr"] || flags.Set["db"] {
		res.Sources = append(res.Sources, "flags")
	}
	if len(res.Sources) == 0 {
		res.Sources = append(res.Sources, "defaults")
	}

	cfg.ApplyDefaults()
	res.Config = cfg
	return res, nil
}

func splitAddr(a string) (string, int, error) {
	host, p, err := net.SplitHostPort(a)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", a, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen port %q: %w", p, err)
	}
	return host, port, nil
}
