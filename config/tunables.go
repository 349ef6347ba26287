package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Tunables are the operator-adjustable knobs with safe defaults, loaded from
// the optional TOML file named by PAYBRIDGE_CONFIG.
type Tunables struct {
	Limits Limits       `toml:"limits"`
	Tokens ResultTokens `toml:"tokens"`
	Server ServerKnobs  `toml:"server"`
}

// Limits holds the per-client request budgets.
type Limits struct {
	CheckoutPerMinute   float64 `toml:"checkout_per_minute"`
	TokenReadPerMinute  float64 `toml:"token_read_per_minute"`
	SessionPerMinute    float64 `toml:"session_per_minute"`
	GlobalPerQuarterMin float64 `toml:"global_per_quarter_hour"`
}

// ResultTokens bounds the one-time result snapshot cache.
type ResultTokens struct {
	TTLSeconds int `toml:"ttl_seconds"`
	Cap        int `toml:"cap"`
}

// ServerKnobs covers HTTP server lifecycle settings.
type ServerKnobs struct {
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
	ReadTimeoutSeconds   int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds"`
}

// DefaultTunables returns the shipped defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Limits: Limits{
			CheckoutPerMinute:   5,
			TokenReadPerMinute:  10,
			SessionPerMinute:    10,
			GlobalPerQuarterMin: 200,
		},
		Tokens: ResultTokens{
			TTLSeconds: 300,
			Cap:        4096,
		},
		Server: ServerKnobs{
			ShutdownGraceSeconds: 5,
			ReadTimeoutSeconds:   15,
			WriteTimeoutSeconds:  30,
		},
	}
}

// ValidateTunables rejects non-positive knobs. Decoding happens over the
// defaults, so a zero here means the file set it explicitly.
func ValidateTunables(t Tunables) error {
	if t.Limits.CheckoutPerMinute <= 0 || t.Limits.TokenReadPerMinute <= 0 ||
		t.Limits.SessionPerMinute <= 0 || t.Limits.GlobalPerQuarterMin <= 0 {
		return fmt.Errorf("rate limits must be positive: %+v", t.Limits)
	}
	if t.Tokens.TTLSeconds <= 0 {
		return fmt.Errorf("token ttl_seconds must be positive, got %d", t.Tokens.TTLSeconds)
	}
	if t.Tokens.Cap <= 0 {
		return fmt.Errorf("token cap must be positive, got %d", t.Tokens.Cap)
	}
	if t.Server.ShutdownGraceSeconds <= 0 || t.Server.ReadTimeoutSeconds <= 0 || t.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server timeouts must be positive: %+v", t.Server)
	}
	return nil
}

// LoadTunables reads the TOML file at path over the defaults. An empty path
// returns the defaults; a named but unreadable file is an error.
func LoadTunables(path string) (Tunables, error) {
	tunables := DefaultTunables()
	path = strings.TrimSpace(path)
	if path == "" {
		return tunables, nil
	}
	if _, err := os.Stat(path); err != nil {
		return Tunables{}, fmt.Errorf("tunables file %s: %w", path, err)
	}
	meta, err := toml.DecodeFile(path, &tunables)
	if err != nil {
		return Tunables{}, fmt.Errorf("parse tunables file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Tunables{}, fmt.Errorf("tunables file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ValidateTunables(tunables); err != nil {
		return Tunables{}, fmt.Errorf("tunables file %s: %w", path, err)
	}
	return tunables, nil
}
