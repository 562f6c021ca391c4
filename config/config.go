// Package config holds the tempo service configuration, parsed from a
// TOML-like configuration file. Keys are dotted paths; a [section] header
// prefixes the keys that follow it, so
//
//	[session]
//	tickHz = 2
//
// is equivalent to the flat form `session.tickHz = 2`.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Listen    Listen
	Identity  Identity
	Store     Store
	Cache     Cache
	Session   Session
	RateLimit RateLimit
	User      User
	Clock     Clock
	Elo       Elo
	Log       Log
}

// Listen holds the HTTP/websocket listener settings.
type Listen struct {
	Host string
	Port int
}

// Addr returns the host:port string the listener binds.
func (l Listen) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Identity holds token-verification settings.
type Identity struct {
	// JWTSecret is the HS256 signing secret. Empty disables token
	// verification, which is only acceptable in tests.
	JWTSecret string
}

// Store holds the durable store settings. An empty DSN selects the
// in-memory store.
type Store struct {
	DSN string
}

// Cache holds lobby-cache settings. DSN is reserved for an external cache;
// when empty the lobby cache runs in process.
type Cache struct {
	DSN        string
	LobbyTTLMs int
}

// LobbyTTL returns the lobby cache entry lifetime.
func (c Cache) LobbyTTL() time.Duration {
	return time.Duration(c.LobbyTTLMs) * time.Millisecond
}

// Session holds per-session timing settings.
type Session struct {
	// DisconnectGraceMs is how long a live game tolerates a vacated seat
	// before it is abandoned.
	DisconnectGraceMs int
	// TickHz is the clock broadcast cadence while a game is live.
	TickHz int
	// RetireAfterMs is how long a completed session stays resident before
	// the registry sweeps it.
	RetireAfterMs int
}

// DisconnectGrace returns the grace window as a duration.
func (s Session) DisconnectGrace() time.Duration {
	return time.Duration(s.DisconnectGraceMs) * time.Millisecond
}

// TickInterval returns the clock broadcast period.
func (s Session) TickInterval() time.Duration {
	if s.TickHz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(s.TickHz)
}

// RetireAfter returns the completed-session retention as a duration.
func (s Session) RetireAfter() time.Duration {
	return time.Duration(s.RetireAfterMs) * time.Millisecond
}

// RateLimit holds per-connection command rate limits.
type RateLimit struct {
	MovesPerMin int
}

// User holds per-user admission limits.
type User struct {
	MaxActiveGames int
}

// Clock holds clock-engine settings.
type Clock struct {
	// ToleranceMs pads the timeout wake so a flag fall is never declared
	// early by scheduler jitter.
	ToleranceMs int
}

// Tolerance returns the timeout-wake pad as a duration.
func (c Clock) Tolerance() time.Duration {
	return time.Duration(c.ToleranceMs) * time.Millisecond
}

// Elo holds rating-update settings.
type Elo struct {
	KFactor int
}

// Log holds logging configuration.
type Log struct {
	Level  string
	Format string
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: Listen{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Cache: Cache{
			LobbyTTLMs: 2000,
		},
		Session: Session{
			DisconnectGraceMs: 30_000,
			TickHz:            1,
			RetireAfterMs:     300_000,
		},
		RateLimit: RateLimit{
			MovesPerMin: 30,
		},
		User: User{
			MaxActiveGames: 5,
		},
		Clock: Clock{
			ToleranceMs: 50,
		},
		Elo: Elo{
			KFactor: 32,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port, which tests rely on.
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen.port: %d", c.Listen.Port)
	}
	if c.Session.DisconnectGraceMs <= 0 {
		return fmt.Errorf("config: session.disconnectGraceMs must be positive, got %d", c.Session.DisconnectGraceMs)
	}
	if c.Session.TickHz < 1 || c.Session.TickHz > 20 {
		return fmt.Errorf("config: session.tickHz must be in [1,20], got %d", c.Session.TickHz)
	}
	if c.Session.RetireAfterMs <= 0 {
		return fmt.Errorf("config: session.retireAfterMs must be positive, got %d", c.Session.RetireAfterMs)
	}
	if c.RateLimit.MovesPerMin <= 0 {
		return fmt.Errorf("config: ratelimit.movesPerMin must be positive, got %d", c.RateLimit.MovesPerMin)
	}
	if c.User.MaxActiveGames <= 0 {
		return fmt.Errorf("config: user.maxActiveGames must be positive, got %d", c.User.MaxActiveGames)
	}
	if c.Clock.ToleranceMs < 0 {
		return fmt.Errorf("config: clock.tolerance.ms must not be negative, got %d", c.Clock.ToleranceMs)
	}
	if c.Elo.KFactor <= 0 {
		return fmt.Errorf("config: elo.kFactor must be positive, got %d", c.Elo.KFactor)
	}
	if c.Cache.LobbyTTLMs < 0 {
		return fmt.Errorf("config: cache.lobbyTtlMs must not be negative, got %d", c.Cache.LobbyTTLMs)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Load parses a TOML-like configuration from raw bytes. The parser handles
// `key = value` pairs and [section] headers; the effective key is the
// section joined to the key with a dot.
func Load(data []byte) (*Config, error) {
	cfg := Default()
	section := ""

	lines := strings.Split(string(data), "\n")
	for lineNum, raw := range lines {
		line := strings.TrimSpace(raw)

		// Skip empty lines and comments.
		if line == "" || line[0] == '#' {
			continue
		}

		// Section header.
		if line[0] == '[' {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("config: line %d: unclosed section header", lineNum+1)
			}
			section = strings.TrimSpace(line[1:end])
			continue
		}

		// Key = value pair.
		eqIdx := strings.Index(line, "=")
		if eqIdx < 0 {
			return nil, fmt.Errorf("config: line %d: expected key = value", lineNum+1)
		}
		key := strings.TrimSpace(line[:eqIdx])
		val := strings.TrimSpace(line[eqIdx+1:])
		if section != "" {
			key = section + "." + key
		}

		if err := cfg.apply(key, val, lineNum+1); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(data)
}

// apply sets a single configuration field addressed by its dotted path.
func (c *Config) apply(key, val string, lineNum int) error {
	switch key {
	case "listen.host":
		c.Listen.Host = unquote(val)
	case "listen.port":
		return setInt(&c.Listen.Port, key, val, lineNum)
	case "identity.jwt.secret":
		c.Identity.JWTSecret = unquote(val)
	case "store.dsn":
		c.Store.DSN = unquote(val)
	case "cache.dsn":
		c.Cache.DSN = unquote(val)
	case "cache.lobbyTtlMs":
		return setInt(&c.Cache.LobbyTTLMs, key, val, lineNum)
	case "session.disconnectGraceMs":
		return setInt(&c.Session.DisconnectGraceMs, key, val, lineNum)
	case "session.tickHz":
		return setInt(&c.Session.TickHz, key, val, lineNum)
	case "session.retireAfterMs":
		return setInt(&c.Session.RetireAfterMs, key, val, lineNum)
	case "ratelimit.movesPerMin":
		return setInt(&c.RateLimit.MovesPerMin, key, val, lineNum)
	case "user.maxActiveGames":
		return setInt(&c.User.MaxActiveGames, key, val, lineNum)
	case "clock.tolerance.ms":
		return setInt(&c.Clock.ToleranceMs, key, val, lineNum)
	case "elo.kFactor":
		return setInt(&c.Elo.KFactor, key, val, lineNum)
	case "log.level":
		c.Log.Level = unquote(val)
	case "log.format":
		c.Log.Format = unquote(val)
	default:
		return fmt.Errorf("config: line %d: unknown key %q", lineNum, key)
	}
	return nil
}

// setInt parses an integer value into dst.
func setInt(dst *int, key, val string, lineNum int) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("config: line %d: invalid %s: %w", lineNum, key, err)
	}
	*dst = n
	return nil
}

// unquote strips surrounding double quotes from a string value.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
