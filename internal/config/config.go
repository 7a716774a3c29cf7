package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API and worker processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Bridge     BridgeConfig
	Transcribe TranscribeConfig
	Summarize  SummarizeConfig
	Stale      StaleConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable base URL used to build
	// bridge webhook callback URLs (e.g. https://api.example.com).
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// BridgeConfig configures the external telephony bridge provider.
// AccountSID, AuthToken and CallerID must all be present for the bridge to
// count as configured; otherwise call initiation reports a typed
// "telephony not configured" result instead of scattering nil checks.
type BridgeConfig struct {
	AccountSID    string
	AuthToken     string
	CallerID      string
	APIBaseURL    string
	VerifyTimeout time.Duration
}

// Configured reports whether bridge credentials are present.
func (b BridgeConfig) Configured() bool {
	return b.AccountSID != "" && b.AuthToken != "" && b.CallerID != ""
}

type TranscribeConfig struct {
	APIKey      string
	APIBaseURL  string
	PollEvery   time.Duration
	PollCeiling time.Duration
}

type SummarizeConfig struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	RequestTimeout time.Duration
}

// StaleConfig holds staleness reclamation thresholds.
//
// The defaults were tuned empirically and may mask webhook delivery bugs
// upstream; keep them configurable rather than hard-coded.
type StaleConfig struct {
	// LongCeiling: any non-terminal session older is always reclaimed.
	LongCeiling time.Duration
	// LiveWindow: live sessions unconfirmed longer are reclaimed.
	LiveWindow time.Duration
	// ConnectingWindow: younger non-terminal sessions always count as
	// active for admission; older ones are reclaimed only on positive
	// bridge evidence.
	ConnectingWindow time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	// Optional duration envs: unset falls back to the Validate defaults, but
	// a value that does not parse is an error, not a silent revert.
	dur := func(key string) time.Duration {
		d, err := mustDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = dur("JWT_ACCESS_TTL")

	c.Bridge.AccountSID = strings.TrimSpace(os.Getenv("BRIDGE_ACCOUNT_SID"))
	c.Bridge.AuthToken = os.Getenv("BRIDGE_AUTH_TOKEN")
	c.Bridge.CallerID = strings.TrimSpace(os.Getenv("BRIDGE_CALLER_ID"))
	c.Bridge.APIBaseURL = strings.TrimSpace(os.Getenv("BRIDGE_API_BASE_URL"))
	c.Bridge.VerifyTimeout = dur("BRIDGE_VERIFY_TIMEOUT")

	c.Transcribe.APIKey = os.Getenv("TRANSCRIBE_API_KEY")
	c.Transcribe.APIBaseURL = strings.TrimSpace(os.Getenv("TRANSCRIBE_API_BASE_URL"))
	c.Transcribe.PollEvery = dur("TRANSCRIBE_POLL_EVERY")
	c.Transcribe.PollCeiling = dur("TRANSCRIBE_POLL_CEILING")

	c.Summarize.APIKey = os.Getenv("SUMMARIZE_API_KEY")
	c.Summarize.APIBaseURL = strings.TrimSpace(os.Getenv("SUMMARIZE_API_BASE_URL"))
	c.Summarize.Model = strings.TrimSpace(os.Getenv("SUMMARIZE_MODEL"))
	c.Summarize.RequestTimeout = dur("SUMMARIZE_REQUEST_TIMEOUT")

	c.Stale.LongCeiling = dur("STALE_LONG_CEILING")
	c.Stale.LiveWindow = dur("STALE_LIVE_WINDOW")
	c.Stale.ConnectingWindow = dur("STALE_CONNECTING_WINDOW")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.IsProduction() && c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production (bridge webhooks need it)"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	// Bridge credentials are optional: an unconfigured bridge is a valid
	// (degraded) deployment state, surfaced as a typed result at call time.
	// Partial credentials are a config mistake, though.
	if !c.Bridge.Configured() && (c.Bridge.AccountSID != "" || c.Bridge.AuthToken != "" || c.Bridge.CallerID != "") {
		errs = append(errs, errors.New("BRIDGE_ACCOUNT_SID, BRIDGE_AUTH_TOKEN and BRIDGE_CALLER_ID must be set together"))
	}
	if c.Bridge.VerifyTimeout <= 0 {
		c.Bridge.VerifyTimeout = 2 * time.Second
	}

	if c.Transcribe.PollEvery <= 0 {
		c.Transcribe.PollEvery = 5 * time.Second
	}
	if c.Transcribe.PollCeiling <= 0 {
		c.Transcribe.PollCeiling = 3 * time.Minute
	}
	if c.Summarize.RequestTimeout <= 0 {
		c.Summarize.RequestTimeout = 60 * time.Second
	}

	if c.Stale.LongCeiling <= 0 {
		c.Stale.LongCeiling = 2 * time.Hour
	}
	if c.Stale.LiveWindow <= 0 {
		c.Stale.LiveWindow = 30 * time.Minute
	}
	if c.Stale.ConnectingWindow <= 0 {
		c.Stale.ConnectingWindow = 5 * time.Minute
	}
	if c.Stale.ConnectingWindow >= c.Stale.LiveWindow {
		errs = append(errs, errors.New("STALE_CONNECTING_WINDOW must be less than STALE_LIVE_WINDOW"))
	}
	if c.Stale.LiveWindow >= c.Stale.LongCeiling {
		errs = append(errs, errors.New("STALE_LIVE_WINDOW must be less than STALE_LONG_CEILING"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// WebhookURL returns the absolute URL the bridge should deliver leg status
// events to, or "" when no public base URL is configured.
func (c Config) WebhookURL() string {
	if c.App.PublicBaseURL == "" {
		return ""
	}
	return c.App.PublicBaseURL + "/webhooks/bridge/leg-status"
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 30s, 2h), got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
