// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package config loads and validates portal configuration from YAML
// files and command-line flags.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/Mystikil/Thenexusv2/internal/credential"
	"github.com/Mystikil/Thenexusv2/internal/ratelimit"
	"github.com/Mystikil/Thenexusv2/internal/recovery"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// Config is the root portal configuration.
type Config struct {
	Server    Server    `koanf:"server" json:"server"`
	Database  Database  `koanf:"database" json:"database"`
	Log       Log       `koanf:"log" json:"log"`
	Passwords Passwords `koanf:"passwords" json:"passwords"`
	Identity  Identity  `koanf:"identity" json:"identity"`
	Recovery  Recovery  `koanf:"recovery" json:"recovery"`
	RateLimit RateLimit `koanf:"rate_limit" json:"rate_limit"`
	Legacy    Legacy    `koanf:"legacy" json:"legacy"`
}

// Server holds HTTP listener settings.
type Server struct {
	Addr string `koanf:"addr" json:"addr" jsonschema:"description=HTTP listen address (host:port)"`
	TLS  TLS    `koanf:"tls" json:"tls"`
}

// TLS controls HTTPS serving. With Enabled true and no file paths, the
// portal generates a self-signed pair under the XDG certs directory.
type TLS struct {
	Enabled  bool   `koanf:"enabled" json:"enabled" jsonschema:"description=Serve HTTPS directly instead of behind a proxy"`
	CertFile string `koanf:"cert_file" json:"cert_file" jsonschema:"description=PEM certificate path"`
	KeyFile  string `koanf:"key_file" json:"key_file" jsonschema:"description=PEM private key path"`
}

// Database holds PostgreSQL connection settings.
type Database struct {
	URL string `koanf:"url" json:"url" jsonschema:"description=PostgreSQL connection URL"`
}

// Log holds logging settings.
type Log struct {
	Format string `koanf:"format" json:"format" jsonschema:"enum=json,enum=text,description=Log output format"`
}

// Passwords controls how legacy credentials are computed and verified.
type Passwords struct {
	Mode           string `koanf:"mode" json:"mode" jsonschema:"enum=tfs_sha1,enum=tfs_md5,enum=tfs_plain,enum=dual,description=Legacy password digest mode"`
	WithSalt       bool   `koanf:"with_salt" json:"with_salt" jsonschema:"description=Prepend a per-account salt before digesting"`
	AllowFallbacks bool   `koanf:"allow_fallbacks" json:"allow_fallbacks" jsonschema:"description=Accept digests from other legacy modes during login"`
}

// Identity controls website user provisioning.
type Identity struct {
	AutoProvision bool     `koanf:"auto_provision" json:"auto_provision" jsonschema:"description=Create website users for legacy accounts on first login"`
	MasterEmails  []string `koanf:"master_emails" json:"master_emails" jsonschema:"description=Emails promoted to the owner role"`
}

// Recovery controls recovery key issuance and throttling.
type Recovery struct {
	KeyLength            int `koanf:"key_length" json:"key_length" jsonschema:"minimum=0,description=Recovery key length in characters"`
	MaxAttempts          int `koanf:"max_attempts" json:"max_attempts" jsonschema:"minimum=0,description=Failed attempts allowed per window"`
	AttemptWindowSeconds int `koanf:"attempt_window_seconds" json:"attempt_window_seconds" jsonschema:"minimum=0,description=Attempt window in seconds"`
}

// RateRule is a fixed-window rate limit.
type RateRule struct {
	Limit         int `koanf:"limit" json:"limit" jsonschema:"minimum=0"`
	WindowSeconds int `koanf:"window_seconds" json:"window_seconds" jsonschema:"minimum=0"`
}

// RateLimit holds per-bucket request limits.
type RateLimit struct {
	Login    RateRule `koanf:"login" json:"login"`
	Register RateRule `koanf:"register" json:"register"`
	Recover  RateRule `koanf:"recover" json:"recover"`
}

// Legacy maps the game server's account table. Every field must be a
// bare SQL identifier.
type Legacy struct {
	Table       string `koanf:"table" json:"table"`
	IDCol       string `koanf:"id_col" json:"id_col"`
	NameCol     string `koanf:"name_col" json:"name_col"`
	PasswordCol string `koanf:"password_col" json:"password_col"`
	SaltCol     string `koanf:"salt_col" json:"salt_col"`
	EmailCol    string `koanf:"email_col" json:"email_col"`
	CreationCol string `koanf:"creation_col" json:"creation_col"`
}

// Default returns the configuration used when no file or flag overrides
// a setting.
func Default() Config {
	schema := store.DefaultLegacySchema()
	return Config{
		Server:   Server{Addr: ":8080"},
		Database: Database{URL: "postgres://localhost:5432/nexus?sslmode=disable"},
		Log:      Log{Format: "json"},
		Passwords: Passwords{
			Mode:     string(credential.ModeSHA1),
			WithSalt: false,
		},
		Identity: Identity{AutoProvision: true},
		Recovery: Recovery{
			KeyLength:            recovery.DefaultKeyLength,
			MaxAttempts:          recovery.DefaultMaxAttempts,
			AttemptWindowSeconds: int(recovery.DefaultAttemptWindow / time.Second),
		},
		RateLimit: RateLimit{
			Login:    RateRule{Limit: 10, WindowSeconds: 60},
			Register: RateRule{Limit: 5, WindowSeconds: 60},
			Recover:  RateRule{Limit: 10, WindowSeconds: 60},
		},
		Legacy: Legacy{
			Table:       schema.Table,
			IDCol:       schema.IDCol,
			NameCol:     schema.NameCol,
			PasswordCol: schema.PasswordCol,
			SaltCol:     schema.SaltCol,
			EmailCol:    schema.EmailCol,
			CreationCol: schema.CreationCol,
		},
	}
}

// Load reads configuration, layering the YAML file at path (if any) and
// then flag values over the defaults. A nil flags set skips the flag
// layer.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrapf(err, "loading config file")
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").
				Wrapf(err, "loading flag overrides")
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.Code("CONFIG_DECODE_FAILED").
			Wrapf(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the portal cannot run
// with.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").
			With("format", c.Log.Format).
			Errorf("log.format must be json or text")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return oops.Code("CONFIG_INVALID").
			Errorf("server.tls cert_file and key_file must be set together")
	}
	if !credential.Mode(c.Passwords.Mode).Valid() {
		return oops.Code("CONFIG_INVALID").
			With("mode", c.Passwords.Mode).
			Errorf("passwords.mode is not a known digest mode")
	}
	for _, r := range []struct {
		name string
		rule RateRule
	}{
		{"login", c.RateLimit.Login},
		{"register", c.RateLimit.Register},
		{"recover", c.RateLimit.Recover},
	} {
		if r.rule.Limit < 0 || r.rule.WindowSeconds < 0 {
			return oops.Code("CONFIG_INVALID").
				With("bucket", r.name).
				Errorf("rate limit values must not be negative")
		}
	}
	if err := c.LegacySchema().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").Wrapf(err, "legacy schema")
	}
	return nil
}

// LegacySchema converts the mapping section into the store's schema
// type. WithSalt follows the password section.
func (c Config) LegacySchema() store.LegacySchema {
	return store.LegacySchema{
		Table:       c.Legacy.Table,
		IDCol:       c.Legacy.IDCol,
		NameCol:     c.Legacy.NameCol,
		PasswordCol: c.Legacy.PasswordCol,
		SaltCol:     c.Legacy.SaltCol,
		EmailCol:    c.Legacy.EmailCol,
		CreationCol: c.Legacy.CreationCol,
		WithSalt:    c.Passwords.WithSalt,
	}
}

// RateRules converts the rate limit section into limiter rules.
func (c Config) RateRules() map[string]ratelimit.Rule {
	return map[string]ratelimit.Rule{
		ratelimit.BucketLogin:    {Limit: c.RateLimit.Login.Limit, Window: time.Duration(c.RateLimit.Login.WindowSeconds) * time.Second},
		ratelimit.BucketRegister: {Limit: c.RateLimit.Register.Limit, Window: time.Duration(c.RateLimit.Register.WindowSeconds) * time.Second},
		ratelimit.BucketRecover:  {Limit: c.RateLimit.Recover.Limit, Window: time.Duration(c.RateLimit.Recover.WindowSeconds) * time.Second},
	}
}

// RecoveryConfig converts the recovery section into the manager config.
func (c Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		KeyLength:     c.Recovery.KeyLength,
		MaxAttempts:   c.Recovery.MaxAttempts,
		AttemptWindow: time.Duration(c.Recovery.AttemptWindowSeconds) * time.Second,
	}
}
