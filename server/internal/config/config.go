// Package config parses the server's environment surface once, at startup,
// into a typed Config. Invalid or inconsistent values fail the boot rather
// than surfacing later as misbehaviour — notably the heartbeat/timeout
// cross-check and non-finite numeric inputs.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully parsed server configuration.
type Config struct {
	// HTTP surface.
	Port        int
	Env         string // "development" or "production"
	CORSOrigins []string

	// Persistence.
	DBType      string // "sqlite" or "postgres"
	DatabaseURL string
	SecretKey   string // AES-256 key for at-rest field encryption, optional

	// Operator authentication.
	NodeAuthTokens []string
	OperatorTokens []string
	AdminTokens    []string
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	JWTTTL         time.Duration

	// Node WebSocket transport.
	WSRequireTLS           bool
	WSAllowQueryTokenAuth  bool
	WSSessionTokenSecrets  []string
	WSSessionTokenIssuer   string
	WSSessionTokenAudience string
	WSSessionTokenTTL      time.Duration
	WSMessageRatePerSecond int
	WSMaxConnectionsPerIP  int

	// Node liveness.
	NodeHeartbeatInterval time.Duration
	NodeTimeout           time.Duration

	// Command lifecycle.
	CommandTimeout        time.Duration
	CommandRetentionDays  int
	CommandMaxRetries     int
	CommandRetryBaseDelay time.Duration
	OfflineCommandTTL     time.Duration

	// Schedule worker.
	ScheduleWorkerEnabled bool
	SchedulePollInterval  time.Duration
	ScheduleBatchSize     int

	// Webhook dispatcher.
	WebhookRetryBaseDelay  time.Duration
	WebhookDeliveryTimeout time.Duration

	// Host status history.
	HostStatusHistoryRetentionDays int
}

// Development reports whether the server runs in development mode. Error
// responses include detail and dev CORS origins are honoured only then.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads and validates the full environment surface. The returned error
// aggregates nothing — the first problem fails the load so the operator sees
// one actionable message at a time.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:        p.intVar("PORT", 3000, 1, 65535),
		Env:         envOr("NODE_ENV", "production"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		DBType:      envOr("DB_TYPE", "sqlite"),
		DatabaseURL: envOr("DATABASE_URL", "./woly.db"),
		SecretKey:   os.Getenv("SECRET_KEY"),

		NodeAuthTokens: splitList(os.Getenv("NODE_AUTH_TOKENS")),
		OperatorTokens: splitList(os.Getenv("OPERATOR_TOKENS")),
		AdminTokens:    splitList(os.Getenv("ADMIN_TOKENS")),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      envOr("JWT_ISSUER", "woly-cnc"),
		JWTAudience:    envOr("JWT_AUDIENCE", "woly-api"),
		JWTTTL:         p.secondsVar("JWT_TTL_SECONDS", 3600),

		WSRequireTLS:           p.boolVar("WS_REQUIRE_TLS", false),
		WSAllowQueryTokenAuth:  p.boolVar("WS_ALLOW_QUERY_TOKEN_AUTH", false),
		WSSessionTokenSecrets:  splitList(os.Getenv("WS_SESSION_TOKEN_SECRETS")),
		WSSessionTokenIssuer:   envOr("WS_SESSION_TOKEN_ISSUER", "woly-cnc"),
		WSSessionTokenAudience: envOr("WS_SESSION_TOKEN_AUDIENCE", "woly-node"),
		WSSessionTokenTTL:      p.secondsVar("WS_SESSION_TOKEN_TTL_SECONDS", 300),
		WSMessageRatePerSecond: p.intVar("WS_MESSAGE_RATE_LIMIT_PER_SECOND", 50, 1, 100000),
		WSMaxConnectionsPerIP:  p.intVar("WS_MAX_CONNECTIONS_PER_IP", 10, 1, 100000),

		NodeHeartbeatInterval: p.millisVar("NODE_HEARTBEAT_INTERVAL", 30_000),
		NodeTimeout:           p.millisVar("NODE_TIMEOUT", 90_000),

		CommandTimeout:        p.millisVar("COMMAND_TIMEOUT", 30_000),
		CommandRetentionDays:  p.intVar("COMMAND_RETENTION_DAYS", 7, math.MinInt32, math.MaxInt32),
		CommandMaxRetries:     p.intVar("COMMAND_MAX_RETRIES", 3, 0, 100),
		CommandRetryBaseDelay: p.millisVar("COMMAND_RETRY_BASE_DELAY_MS", 1_000),
		OfflineCommandTTL:     p.millisVar("OFFLINE_COMMAND_TTL_MS", 60_000),

		ScheduleWorkerEnabled: p.boolVar("SCHEDULE_WORKER_ENABLED", true),
		SchedulePollInterval:  p.millisVar("SCHEDULE_POLL_INTERVAL_MS", 30_000),
		ScheduleBatchSize:     p.intVar("SCHEDULE_BATCH_SIZE", 25, 1, 10000),

		WebhookRetryBaseDelay:  p.millisVar("WEBHOOK_RETRY_BASE_DELAY_MS", 1_000),
		WebhookDeliveryTimeout: p.millisVar("WEBHOOK_DELIVERY_TIMEOUT_MS", 10_000),

		HostStatusHistoryRetentionDays: p.intVar("HOST_STATUS_HISTORY_RETENTION_DAYS", 30, math.MinInt32, math.MaxInt32),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces cross-field invariants after parsing.
func (c *Config) validate() error {
	switch c.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("config: NODE_ENV must be development, production or test, got %q", c.Env)
	}

	switch c.DBType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: DB_TYPE must be sqlite or postgres, got %q", c.DBType)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.SecretKey != "" && len(c.SecretKey) != 32 {
		return fmt.Errorf("config: SECRET_KEY must be exactly 32 bytes when set, got %d", len(c.SecretKey))
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("config: JWT_TTL_SECONDS must be positive")
	}
	if c.WSSessionTokenTTL <= 0 {
		return fmt.Errorf("config: WS_SESSION_TOKEN_TTL_SECONDS must be positive")
	}

	if c.NodeHeartbeatInterval < time.Second {
		return fmt.Errorf("config: NODE_HEARTBEAT_INTERVAL must be at least 1s, got %s", c.NodeHeartbeatInterval)
	}
	if c.NodeTimeout < 2*c.NodeHeartbeatInterval {
		return fmt.Errorf("config: NODE_TIMEOUT (%s) must be at least twice NODE_HEARTBEAT_INTERVAL (%s)",
			c.NodeTimeout, c.NodeHeartbeatInterval)
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: COMMAND_TIMEOUT must be positive")
	}
	if c.OfflineCommandTTL < 0 {
		return fmt.Errorf("config: OFFLINE_COMMAND_TTL_MS must not be negative")
	}
	if c.HostStatusHistoryRetentionDays < 0 {
		return fmt.Errorf("config: HOST_STATUS_HISTORY_RETENTION_DAYS must not be negative")
	}

	if c.ScheduleWorkerEnabled && c.SchedulePollInterval <= 0 {
		return fmt.Errorf("config: SCHEDULE_POLL_INTERVAL_MS must be positive when the schedule worker is enabled")
	}

	return nil
}

// parser accumulates the first parse error so Load reads linearly.
type parser struct {
	err error
}

// parseNumber parses a numeric env value, rejecting NaN and infinities —
// values like "9e999" overflow float parsing into +Inf and must not silently
// clamp to a giant integer.
func (p *parser) parseNumber(name, raw string) (int64, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail("config: %s: %q is not a number", name, raw)
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		p.fail("config: %s: %q is not finite", name, raw)
		return 0, false
	}
	if f != math.Trunc(f) {
		p.fail("config: %s: %q is not an integer", name, raw)
		return 0, false
	}
	return int64(f), true
}

func (p *parser) intVar(name string, def, min, max int) int {
	raw := os.Getenv(name)
	if raw == "" || p.err != nil {
		return def
	}
	n, ok := p.parseNumber(name, raw)
	if !ok {
		return def
	}
	if n < int64(min) || n > int64(max) {
		p.fail("config: %s: %d out of range [%d, %d]", name, n, min, max)
		return def
	}
	return int(n)
}

func (p *parser) millisVar(name string, defMillis int64) time.Duration {
	raw := os.Getenv(name)
	if raw == "" || p.err != nil {
		return time.Duration(defMillis) * time.Millisecond
	}
	n, ok := p.parseNumber(name, raw)
	if !ok {
		return time.Duration(defMillis) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

func (p *parser) secondsVar(name string, defSeconds int64) time.Duration {
	raw := os.Getenv(name)
	if raw == "" || p.err != nil {
		return time.Duration(defSeconds) * time.Second
	}
	n, ok := p.parseNumber(name, raw)
	if !ok {
		return time.Duration(defSeconds) * time.Second
	}
	return time.Duration(n) * time.Second
}

func (p *parser) boolVar(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail("config: %s: %q is not a boolean", name, raw)
		return def
	}
	return v
}

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitList parses a comma-separated env value, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
