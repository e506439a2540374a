// Package config parses the agent's environment surface once, at startup,
// into a typed Config. Invalid values fail the boot.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully parsed agent configuration.
type Config struct {
	// Identity.
	NodeID   string
	Location string

	// C&C connection.
	CNCURL               string // ws:// or wss:// endpoint
	CNCToken             string // static node auth token
	SessionTokenURL      string // when set, mint short-lived tokens here
	RefreshBuffer        time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 = infinite

	// Local HTTP surface.
	Port        int
	APIKey      string // empty disables authentication
	CORSOrigins []string
	Env         string // "development" or "production"

	// Discovery.
	DBPath       string
	ScanInterval time.Duration
	Subnet       string // CIDR hint reported at registration
	Gateway      string

	// Wake-on-LAN.
	WolBroadcast string
	WolPort      int
}

// Development reports whether the agent runs in development mode. Dev mode
// relaxes CORS for hosted frontends.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads the environment into a Config, applying defaults and
// validating. Returns an error describing the first invalid value.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:          os.Getenv("NODE_ID"),
		Location:        os.Getenv("NODE_LOCATION"),
		CNCURL:          os.Getenv("CNC_URL"),
		CNCToken:        os.Getenv("CNC_TOKEN"),
		SessionTokenURL: os.Getenv("CNC_SESSION_TOKEN_URL"),
		APIKey:          os.Getenv("NODE_API_KEY"),
		Env:             envOr("NODE_ENV", "production"),
		DBPath:          envOr("NODE_DB_PATH", "./woly-node.db"),
		Subnet:          os.Getenv("NODE_SUBNET"),
		Gateway:         os.Getenv("NODE_GATEWAY"),
		WolBroadcast:    envOr("WOL_BROADCAST", "255.255.255.255"),
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: NODE_ID is required")
	}
	if cfg.Location == "" {
		return nil, fmt.Errorf("config: NODE_LOCATION is required")
	}
	if cfg.CNCURL != "" && cfg.CNCToken == "" {
		return nil, fmt.Errorf("config: CNC_TOKEN is required when CNC_URL is set")
	}

	var err error
	if cfg.Port, err = intEnv("PORT", 3000, 1, 65535); err != nil {
		return nil, err
	}
	if cfg.WolPort, err = intEnv("WOL_PORT", 9, 1, 65535); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts, err = intEnv("CNC_MAX_RECONNECT_ATTEMPTS", 0, 0, 1<<30); err != nil {
		return nil, err
	}

	if cfg.RefreshBuffer, err = durationEnv("CNC_REFRESH_BUFFER_SECONDS", time.Second, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectInterval, err = durationEnv("CNC_RECONNECT_INTERVAL_MS", time.Millisecond, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ScanInterval, err = durationEnv("SCAN_INTERVAL_MS", time.Millisecond, 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("config: SCAN_INTERVAL_MS must be positive")
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("config: %s must be between %d and %d, got %d", key, min, max, n)
	}
	return n, nil
}

func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return 0, fmt.Errorf("config: %s must be a finite non-negative number", key)
	}
	if n != math.Trunc(n) {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return time.Duration(n) * unit, nil
}
