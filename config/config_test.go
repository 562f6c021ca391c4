package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Session.DisconnectGraceMs != 30_000 {
		t.Errorf("Session.DisconnectGraceMs = %d, want 30000", cfg.Session.DisconnectGraceMs)
	}
	if cfg.Session.TickHz != 1 {
		t.Errorf("Session.TickHz = %d, want 1", cfg.Session.TickHz)
	}
	if cfg.Session.RetireAfterMs != 300_000 {
		t.Errorf("Session.RetireAfterMs = %d, want 300000", cfg.Session.RetireAfterMs)
	}
	if cfg.RateLimit.MovesPerMin != 30 {
		t.Errorf("RateLimit.MovesPerMin = %d, want 30", cfg.RateLimit.MovesPerMin)
	}
	if cfg.User.MaxActiveGames != 5 {
		t.Errorf("User.MaxActiveGames = %d, want 5", cfg.User.MaxActiveGames)
	}
	if cfg.Clock.ToleranceMs != 50 {
		t.Errorf("Clock.ToleranceMs = %d, want 50", cfg.Clock.ToleranceMs)
	}
	if cfg.Elo.KFactor != 32 {
		t.Errorf("Elo.KFactor = %d, want 32", cfg.Elo.KFactor)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFull(t *testing.T) {
	input := `
# Service settings
listen.port = 9090
listen.host = "127.0.0.1"

[identity]
jwt.secret = "test-secret"

[store]
dsn = "postgres://tempo@localhost/tempo?sslmode=disable"

[session]
disconnectGraceMs = 15000
tickHz = 2
retireAfterMs = 60000

[ratelimit]
movesPerMin = 60

[user]
maxActiveGames = 3

clock.tolerance.ms = 100
elo.kFactor = 24

[log]
level = "debug"
format = "text"
`
	cfg, err := Load([]byte(input))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Listen.Host != "127.0.0.1" {
		t.Errorf("Listen.Host = %q", cfg.Listen.Host)
	}
	if cfg.Identity.JWTSecret != "test-secret" {
		t.Errorf("Identity.JWTSecret = %q", cfg.Identity.JWTSecret)
	}
	if !strings.HasPrefix(cfg.Store.DSN, "postgres://") {
		t.Errorf("Store.DSN = %q", cfg.Store.DSN)
	}
	if cfg.Session.DisconnectGraceMs != 15000 {
		t.Errorf("Session.DisconnectGraceMs = %d, want 15000", cfg.Session.DisconnectGraceMs)
	}
	if cfg.Session.TickHz != 2 {
		t.Errorf("Session.TickHz = %d, want 2", cfg.Session.TickHz)
	}
	if cfg.RateLimit.MovesPerMin != 60 {
		t.Errorf("RateLimit.MovesPerMin = %d, want 60", cfg.RateLimit.MovesPerMin)
	}
	if cfg.User.MaxActiveGames != 3 {
		t.Errorf("User.MaxActiveGames = %d, want 3", cfg.User.MaxActiveGames)
	}
	if cfg.Clock.ToleranceMs != 100 {
		t.Errorf("Clock.ToleranceMs = %d, want 100", cfg.Clock.ToleranceMs)
	}
	if cfg.Elo.KFactor != 24 {
		t.Errorf("Elo.KFactor = %d, want 24", cfg.Elo.KFactor)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadDefaultsSurvive(t *testing.T) {
	// A file that only overrides one key leaves the rest at defaults.
	cfg, err := Load([]byte("listen.port = 9999\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9999 {
		t.Errorf("Listen.Port = %d, want 9999", cfg.Listen.Port)
	}
	if cfg.Session.DisconnectGraceMs != 30_000 {
		t.Errorf("Session.DisconnectGraceMs = %d, want default 30000", cfg.Session.DisconnectGraceMs)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unknown key", "no.such.key = 1\n"},
		{"missing equals", "listen.port 8080\n"},
		{"unclosed section", "[session\ntickHz = 1\n"},
		{"bad int", "listen.port = eighty\n"},
	}
	for _, tc := range cases {
		if _, err := Load([]byte(tc.input)); err == nil {
			t.Errorf("%s: Load accepted %q, want error", tc.name, tc.input)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Listen.Port = -1 }},
		{"huge port", func(c *Config) { c.Listen.Port = 70000 }},
		{"zero grace", func(c *Config) { c.Session.DisconnectGraceMs = 0 }},
		{"zero tick", func(c *Config) { c.Session.TickHz = 0 }},
		{"absurd tick", func(c *Config) { c.Session.TickHz = 1000 }},
		{"zero retire", func(c *Config) { c.Session.RetireAfterMs = 0 }},
		{"zero moves", func(c *Config) { c.RateLimit.MovesPerMin = 0 }},
		{"zero games", func(c *Config) { c.User.MaxActiveGames = 0 }},
		{"negative tolerance", func(c *Config) { c.Clock.ToleranceMs = -1 }},
		{"zero k", func(c *Config) { c.Elo.KFactor = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tc.name)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.Session.DisconnectGrace(); got != 30*time.Second {
		t.Errorf("DisconnectGrace = %v, want 30s", got)
	}
	if got := cfg.Session.TickInterval(); got != time.Second {
		t.Errorf("TickInterval = %v, want 1s", got)
	}
	cfg.Session.TickHz = 4
	if got := cfg.Session.TickInterval(); got != 250*time.Millisecond {
		t.Errorf("TickInterval at 4 Hz = %v, want 250ms", got)
	}
	if got := cfg.Clock.Tolerance(); got != 50*time.Millisecond {
		t.Errorf("Tolerance = %v, want 50ms", got)
	}
	if got := cfg.Listen.Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr = %q, want 0.0.0.0:8080", got)
	}
}

func TestComments(t *testing.T) {
	input := "# comment line\nlisten.port = 8081\n\n# trailing\n"
	cfg, err := Load([]byte(input))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8081 {
		t.Errorf("Listen.Port = %d, want 8081", cfg.Listen.Port)
	}
}
