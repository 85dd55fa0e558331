package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "LEDGER_"

type Config struct {
	HTTP     HTTP     `koanf:"http"`
	DB       DB       `koanf:"db"`
	Transfer Transfer `koanf:"transfer"`
	Notify   Notify   `koanf:"notify"`
	Log      Log      `koanf:"log"`
}

type HTTP struct {
	Addr        string `koanf:"addr"`
	MaxInflight int    `koanf:"max_inflight"`
}

type DB struct {
	DSN      string `koanf:"dsn"`
	MaxConns int    `koanf:"max_conns"`
	Migrate  bool   `koanf:"migrate"`
}

type Transfer struct {
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

type Notify struct {
	// Mode is "log", "outbox" or "both".
	Mode    string        `koanf:"mode"`
	Timeout time.Duration `koanf:"timeout"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() Config {
	return Config{
		HTTP:     HTTP{Addr: ":8080", MaxInflight: 64},
		DB:       DB{},
		Transfer: Transfer{LockTimeout: 10 * time.Second},
		Notify:   Notify{Mode: "log", Timeout: 2 * time.Second},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load layers, lowest priority first: defaults, the optional file at path
// (YAML), then LEDGER_* environment variables. LEDGER_DB_MAX_CONNS maps to
// db.max_conns: the first underscore after the prefix separates the section.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", "":
		default:
			return Config{}, fmt.Errorf("config file %s: only YAML is supported", path)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("error loading environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxInflight <= 0 {
		errs = append(errs, errors.New("http.max_inflight must be positive"))
	}
	if c.Transfer.LockTimeout <= 0 {
		errs = append(errs, errors.New("transfer.lock_timeout must be positive"))
	}
	if c.Notify.Timeout <= 0 {
		errs = append(errs, errors.New("notify.timeout must be positive"))
	}
	switch c.Notify.Mode {
	case "log":
	case "outbox", "both":
		if strings.TrimSpace(c.DB.DSN) == "" {
			errs = append(errs, fmt.Errorf("notify.mode %q needs db.dsn", c.Notify.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.mode %q: want log, outbox or both", c.Notify.Mode))
	}
	if c.DB.MaxConns < 0 {
		errs = append(errs, errors.New("db.max_conns cannot be negative"))
	}
	return errors.Join(errs...)
}

// UsesOutbox reports whether notices go to the Postgres outbox.
func (c Config) UsesOutbox() bool {
	return c.Notify.Mode == "outbox" || c.Notify.Mode == "both"
}
