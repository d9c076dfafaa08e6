package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/marcuscabrera/simple-webmail-imap/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// IMAPUpstreamConfig describes the upstream IMAP server every session
// authenticates against.
type IMAPUpstreamConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	TLS       bool   `toml:"tls"`        // Implicit TLS (port 993)
	StartTLS  bool   `toml:"starttls"`   // Upgrade a plain connection with STARTTLS
	TLSVerify bool   `toml:"tls_verify"` // Verify the upstream certificate
}

// Addr returns host:port of the upstream IMAP server.
func (c IMAPUpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SMTPUpstreamConfig describes the upstream submission server.
type SMTPUpstreamConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	TLS        bool   `toml:"tls"`
	StartTLS   bool   `toml:"starttls"`
	TLSVerify  bool   `toml:"tls_verify"`
	SentFolder string `toml:"sent_folder"` // IMAP folder receiving a copy of sent mail; empty disables
	HelloName  string `toml:"hello_name"`  // EHLO name; defaults to "localhost"
}

// Addr returns host:port of the upstream SMTP server.
func (c SMTPUpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type UpstreamConfig struct {
	IMAP IMAPUpstreamConfig `toml:"imap"`
	SMTP SMTPUpstreamConfig `toml:"smtp"`
}

// SessionConfig controls credential session lifetime.
type SessionConfig struct {
	TTL           string `toml:"ttl"`            // Absolute lifetime of a session (default: "24h")
	IdleTimeout   string `toml:"idle_timeout"`   // Sessions unused for this long expire; empty disables
	SweepInterval string `toml:"sweep_interval"` // Background reclamation of expired sessions; empty disables
	MaxSessions   int    `toml:"max_sessions"`   // 0 means unlimited
}

func (c *SessionConfig) GetTTL() (time.Duration, error) {
	return parseDurationOr(c.TTL, 24*time.Hour)
}

func (c *SessionConfig) GetIdleTimeout() (time.Duration, error) {
	return parseDurationOr(c.IdleTimeout, 0)
}

func (c *SessionConfig) GetSweepInterval() (time.Duration, error) {
	return parseDurationOr(c.SweepInterval, 0)
}

// GatewayConfig controls how upstream connections are made.
type GatewayConfig struct {
	ConnectTimeout          string `toml:"connect_timeout"`   // Dial + greeting bound (default: "15s")
	OperationTimeout        string `toml:"operation_timeout"` // Whole-operation deadline (default: "60s")
	MaxConcurrent           int    `toml:"max_concurrent"`    // Upstream operations in flight across all sessions
	PreviewBytes            int    `toml:"preview_bytes"`     // Body bytes fetched for previews; 0 disables
	CircuitBreakerThreshold int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string `toml:"circuit_breaker_timeout"`
}

func (c *GatewayConfig) GetConnectTimeout() (time.Duration, error) {
	return parseDurationOr(c.ConnectTimeout, 15*time.Second)
}

func (c *GatewayConfig) GetOperationTimeout() (time.Duration, error) {
	return parseDurationOr(c.OperationTimeout, 60*time.Second)
}

func (c *GatewayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	return parseDurationOr(c.CircuitBreakerTimeout, 30*time.Second)
}

// FetchConfig bounds header fetches requested by clients.
type FetchConfig struct {
	DefaultLimit    int    `toml:"default_limit"`
	MaxLimit        int    `toml:"max_limit"`
	RefreshInterval string `toml:"refresh_interval"` // Cached folders younger than this are served without an upstream sync
}

func (c *FetchConfig) GetRefreshInterval() (time.Duration, error) {
	return parseDurationOr(c.RefreshInterval, time.Minute)
}

// CacheConfig selects the message cache backend.
type CacheConfig struct {
	Backend    string `toml:"backend"`     // "postgres" or "sqlite"
	SQLitePath string `toml:"sqlite_path"` // Used when backend = "sqlite"
}

// DatabaseConfig holds PostgreSQL configuration for the message cache.
type DatabaseConfig struct {
	URL             string `toml:"url"` // Full connection URL; takes precedence over the discrete fields
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
	LogQueries      bool   `toml:"log_queries"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDurationOr(d.QueryTimeout, 30*time.Second)
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnLifetime, time.Hour)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnIdleTime, 30*time.Minute)
}

// ConnString returns a postgres:// URL for the configured database.
func (d *DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// Redacted returns the connection target without the password, for logs.
func (d *DatabaseConfig) Redacted() string {
	u, err := url.Parse(d.ConnString())
	if err != nil {
		return "<invalid database url>"
	}
	return u.Redacted()
}

// HTTPConfig holds the JSON API listener configuration.
type HTTPConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
	LoginRateLimit float64  `toml:"login_rate_limit"` // Login attempts per second per client IP and per username
	LoginBurst     int      `toml:"login_burst"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are believed. Other peers are identified by their own address.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Upstream UpstreamConfig `toml:"upstream"`
	Session  SessionConfig  `toml:"session"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Fetch    FetchConfig    `toml:"fetch"`
	Cache    CacheConfig    `toml:"cache"`
	Database DatabaseConfig `toml:"database"`
	HTTP     HTTPConfig     `toml:"http"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Upstream: UpstreamConfig{
			IMAP: IMAPUpstreamConfig{
				Host:      "localhost",
				Port:      143,
				TLSVerify: true,
			},
			SMTP: SMTPUpstreamConfig{
				Host:      "localhost",
				Port:      25,
				TLSVerify: true,
				HelloName: "localhost",
			},
		},
		Session: SessionConfig{
			TTL:           "24h",
			SweepInterval: "5m",
		},
		Gateway: GatewayConfig{
			ConnectTimeout:          "15s",
			OperationTimeout:        "60s",
			MaxConcurrent:           64,
			PreviewBytes:            2048,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   "30s",
		},
		Fetch: FetchConfig{
			DefaultLimit:    50,
			MaxLimit:        500,
			RefreshInterval: "1m",
		},
		Cache: CacheConfig{
			Backend:    "postgres",
			SQLitePath: "webmail_cache.db",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "webmail",
			Name:            "webmail_db",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		HTTP: HTTPConfig{
			Addr:           ":5000",
			LoginRateLimit: 1,
			LoginBurst:     5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.IMAP.Host == "" {
		return fmt.Errorf("upstream.imap.host is required")
	}
	if c.Upstream.IMAP.Port <= 0 || c.Upstream.IMAP.Port > 65535 {
		return fmt.Errorf("upstream.imap.port %d is out of range", c.Upstream.IMAP.Port)
	}
	if c.Upstream.IMAP.TLS && c.Upstream.IMAP.StartTLS {
		return fmt.Errorf("upstream.imap: tls and starttls are mutually exclusive")
	}
	if c.Upstream.SMTP.Host == "" {
		return fmt.Errorf("upstream.smtp.host is required")
	}
	if c.Upstream.SMTP.Port <= 0 || c.Upstream.SMTP.Port > 65535 {
		return fmt.Errorf("upstream.smtp.port %d is out of range", c.Upstream.SMTP.Port)
	}
	if c.Upstream.SMTP.TLS && c.Upstream.SMTP.StartTLS {
		return fmt.Errorf("upstream.smtp: tls and starttls are mutually exclusive")
	}

	durations := map[string]func() (time.Duration, error){
		"session.ttl":                     c.Session.GetTTL,
		"session.idle_timeout":            c.Session.GetIdleTimeout,
		"session.sweep_interval":          c.Session.GetSweepInterval,
		"gateway.connect_timeout":         c.Gateway.GetConnectTimeout,
		"gateway.operation_timeout":       c.Gateway.GetOperationTimeout,
		"gateway.circuit_breaker_timeout": c.Gateway.GetCircuitBreakerTimeout,
		"fetch.refresh_interval":          c.Fetch.GetRefreshInterval,
		"database.query_timeout":          c.Database.GetQueryTimeout,
	}
	for name, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if ttl, _ := c.Session.GetTTL(); ttl <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	if c.Fetch.MaxLimit <= 0 {
		return fmt.Errorf("fetch.max_limit must be positive")
	}
	if c.Fetch.DefaultLimit < 0 || c.Fetch.DefaultLimit > c.Fetch.MaxLimit {
		return fmt.Errorf("fetch.default_limit %d must be between 0 and fetch.max_limit (%d)", c.Fetch.DefaultLimit, c.Fetch.MaxLimit)
	}
	if c.Gateway.MaxConcurrent <= 0 {
		return fmt.Errorf("gateway.max_concurrent must be positive")
	}
	if c.Gateway.PreviewBytes < 0 {
		return fmt.Errorf("gateway.preview_bytes cannot be negative")
	}

	switch c.Cache.Backend {
	case "postgres":
	case "sqlite":
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("cache.backend must be \"postgres\" or \"sqlite\", got %q", c.Cache.Backend)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.TLS && (c.HTTP.TLSCertFile == "" || c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("http: tls_cert_file and tls_key_file are required when tls is enabled")
	}
	if _, err := helpers.ParseTrustedNetworks(c.HTTP.TrustedProxies); err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file into cfg. Unknown keys are logged and
// ignored; every string field is trimmed afterwards.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// envOverrides lists the environment variables recognized on top of the
// TOML file. The unprefixed names match the original deployment's .env.
var envOverrides = []struct {
	names []string
	apply func(cfg *Config, value string) error
}{
	{[]string{"WEBMAIL_IMAP_HOST", "IMAP_HOST"}, func(c *Config, v string) error { c.Upstream.IMAP.Host = v; return nil }},
	{[]string{"WEBMAIL_IMAP_PORT", "IMAP_PORT"}, func(c *Config, v string) error { return setInt(&c.Upstream.IMAP.Port, v) }},
	{[]string{"WEBMAIL_SMTP_HOST", "SMTP_HOST"}, func(c *Config, v string) error { c.Upstream.SMTP.Host = v; return nil }},
	{[]string{"WEBMAIL_SMTP_PORT", "SMTP_PORT"}, func(c *Config, v string) error { return setInt(&c.Upstream.SMTP.Port, v) }},
	{[]string{"WEBMAIL_SESSION_TTL", "SESSION_TTL"}, func(c *Config, v string) error { c.Session.TTL = v; return nil }},
	{[]string{"WEBMAIL_CONNECT_TIMEOUT", "CONNECT_TIMEOUT"}, func(c *Config, v string) error { c.Gateway.ConnectTimeout = v; return nil }},
	{[]string{"WEBMAIL_FETCH_DEFAULT_LIMIT", "FETCH_DEFAULT_LIMIT"}, func(c *Config, v string) error { return setInt(&c.Fetch.DefaultLimit, v) }},
	{[]string{"WEBMAIL_FETCH_MAX_LIMIT", "FETCH_MAX_LIMIT"}, func(c *Config, v string) error { return setInt(&c.Fetch.MaxLimit, v) }},
	{[]string{"WEBMAIL_DATABASE_URL", "DATABASE_URL"}, func(c *Config, v string) error { c.Database.URL = v; return nil }},
	{[]string{"WEBMAIL_CACHE_BACKEND"}, func(c *Config, v string) error { c.Cache.Backend = v; return nil }},
	{[]string{"WEBMAIL_HTTP_ADDR"}, func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{[]string{"PORT"}, func(c *Config, v string) error { c.HTTP.Addr = ":" + v; return nil }},
	{[]string{"WEBMAIL_HTTP_TRUSTED_PROXIES"}, func(c *Config, v string) error { c.HTTP.TrustedProxies = strings.Split(v, ","); return nil }},
	{[]string{"WEBMAIL_LOG_LEVEL", "LOG_LEVEL"}, func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

// ApplyEnvironment loads envFile (when it exists) into the process
// environment and then applies recognized variables over cfg. Variables
// already present in the environment win over the file.
func ApplyEnvironment(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	for _, o := range envOverrides {
		for _, name := range o.names {
			value, ok := os.LookupEnv(name)
			if !ok || strings.TrimSpace(value) == "" {
				continue
			}
			if err := o.apply(cfg, strings.TrimSpace(value)); err != nil {
				return fmt.Errorf("environment variable %s: %w", name, err)
			}
			break
		}
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", value)
	}
	*dst = n
	return nil
}

func parseDurationOr(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	return helpers.ParseDuration(value)
}

// enhanceConfigError adds a hint to the most common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section of your configuration file", err)
	}
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: TOML booleans must be exactly 'true' or 'false'", err)
	}
	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: check quoting, brackets and section headers in your configuration file", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
