package config

// loader.go - configuration loading from a TOML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables
//   3. Config file (--config)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ── Config file ──────────────────────────────────────────────────────

// fileConfig mirrors Config in the on-disk format.  Pointers tell a key
// that is absent from one set to its zero value; durations are whole
// seconds.
type fileConfig struct {
	Port          *int    `toml:"port"`
	BindInterface *string `toml:"bind_interface"`

	TLS      *bool   `toml:"tls"`
	CertFile *string `toml:"cert_file"`
	KeyFile  *string `toml:"key_file"`

	MaxSessions          *int `toml:"max_sessions"`
	AuthTimeoutSecs      *int `toml:"auth_timeout_secs"`
	HandshakeTimeoutSecs *int `toml:"handshake_timeout_secs"`

	PasswordHash    *string `toml:"password_hash"`
	MaxAuthAttempts *int    `toml:"max_auth_attempts"`
	LockoutSecs     *int    `toml:"lockout_secs"`

	AcceptRate  *float64 `toml:"accept_rate"`
	AcceptBurst *int     `toml:"accept_burst"`

	MetricsAddr *string `toml:"metrics_addr"`
	Verbose     *int    `toml:"verbose"`
}

// LoadFile overlays the keys set in the TOML file at path onto cfg.
// Unknown keys are rejected so typos do not pass silently.
func LoadFile(cfg *Config, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	fc.apply(cfg)
	return nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setInt(&cfg.Port, fc.Port)
	setString(&cfg.BindInterface, fc.BindInterface)
	if fc.TLS != nil {
		cfg.TLS = *fc.TLS
	}
	setString(&cfg.CertFile, fc.CertFile)
	setString(&cfg.KeyFile, fc.KeyFile)
	setInt(&cfg.MaxSessions, fc.MaxSessions)
	setSeconds(&cfg.AuthTimeout, fc.AuthTimeoutSecs)
	setSeconds(&cfg.HandshakeTimeout, fc.HandshakeTimeoutSecs)
	setString(&cfg.PasswordHash, fc.PasswordHash)
	setInt(&cfg.MaxAuthAttempts, fc.MaxAuthAttempts)
	setSeconds(&cfg.LockoutDuration, fc.LockoutSecs)
	if fc.AcceptRate != nil {
		cfg.AcceptRate = *fc.AcceptRate
	}
	setInt(&cfg.AcceptBurst, fc.AcceptBurst)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setInt(&cfg.Verbose, fc.Verbose)
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the ASDD_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Timeouts are seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flags are applied so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := envInt("ASDD_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("ASDD_BIND_INTERFACE"); v != "" {
		cfg.BindInterface = v
	}

	// TLS
	if envBool("ASDD_NO_TLS") {
		cfg.TLS = false
	}
	if v := os.Getenv("ASDD_CERT"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("ASDD_KEY"); v != "" {
		cfg.KeyFile = v
	}

	// Sessions
	if v := envInt("ASDD_MAX_SESSIONS"); v > 0 {
		cfg.MaxSessions = v
	}
	if v := envInt("ASDD_AUTH_TIMEOUT"); v > 0 {
		cfg.AuthTimeout = secondsDuration(v)
	}
	if v := envInt("ASDD_HANDSHAKE_TIMEOUT"); v > 0 {
		cfg.HandshakeTimeout = secondsDuration(v)
	}

	// Authentication
	if v := os.Getenv("ASDD_PASSWORD_HASH"); v != "" {
		cfg.PasswordHash = v
	}
	if v := envInt("ASDD_MAX_AUTH_ATTEMPTS"); v > 0 {
		cfg.MaxAuthAttempts = v
	}
	if v := envInt("ASDD_LOCKOUT"); v > 0 {
		cfg.LockoutDuration = secondsDuration(v)
	}

	// Throttling
	if v, ok := envFloat("ASDD_ACCEPT_RATE"); ok {
		cfg.AcceptRate = v
	}
	if v := envInt("ASDD_ACCEPT_BURST"); v > 0 {
		cfg.AcceptBurst = v
	}

	// Output
	if v := os.Getenv("ASDD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := envInt("ASDD_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = secondsDuration(*v)
	}
}
