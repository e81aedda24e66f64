package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server's YAML-loadable configuration. Flags override the
// listen address and database path; everything else keeps its default
// unless a config file says otherwise.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthDBPath string `yaml:"auth_db_path"`

	// DevMode routes verification emails to the log instead of SMTP.
	DevMode bool `yaml:"dev_mode"`

	// SigningKeyPath and SigningKeySecret persist the token-signing key
	// encrypted at rest so restarts do not invalidate issued tokens.
	// Leave either empty to mint an ephemeral key per boot.
	SigningKeyPath   string `yaml:"signing_key_path"`
	SigningKeySecret string `yaml:"signing_key_secret"`

	RateLimit struct {
		PerEmailRPS   float64 `yaml:"per_email_rps"`
		PerEmailBurst int     `yaml:"per_email_burst"`
		PerIPRPS      float64 `yaml:"per_ip_rps"`
		PerIPBurst    int     `yaml:"per_ip_burst"`
	} `yaml:"rate_limit"`

	// Guilds maps user id -> guild ids for the development guild
	// directory. A production deployment replaces this with a DB-backed
	// presence.GuildDirectory and leaves it empty.
	Guilds map[string][]string `yaml:"guilds"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.ListenAddr = "127.0.0.1:8443"
	cfg.AuthDBPath = "openconv-auth.db"
	cfg.DevMode = true
	cfg.RateLimit.PerEmailRPS = 1.0 / 60
	cfg.RateLimit.PerEmailBurst = 3
	cfg.RateLimit.PerIPRPS = 0.5
	cfg.RateLimit.PerIPBurst = 10
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
