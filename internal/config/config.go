package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration required by the outreach process.
// All values come from env (optionally seeded from a .env file).
// No dispatch logic should depend on raw environment variables; the typed
// sections below are passed by reference instead.
type Config struct {
	App     AppConfig     `envconfig:"APP"`
	DB      DBConfig      `envconfig:"DB"`
	Redis   RedisConfig   `envconfig:"REDIS"`
	Auth    AuthConfig    `envconfig:"JWT"`
	Twilio  TwilioConfig  `envconfig:"TWILIO"`
	Call    CallConfig    `envconfig:"CALL"`
	SMS     SMSConfig     `envconfig:"SMS"`
	TTS     TTSConfig     `envconfig:"TTS"`
	Workers WorkersConfig `envconfig:"WORKERS"`
	NSQ     NSQConfig     `envconfig:"NSQ"`
}

type AppConfig struct {
	Env  string `envconfig:"ENV"`
	Port int    `envconfig:"PORT" default:"8080"`

	// PublicURL is the externally reachable base used in gateway webhook URLs.
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:8080"`

	EnableAPI     bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorkers bool `envconfig:"ENABLE_WORKERS" default:"true"`

	// Store selects the persistence backend: postgres or memory.
	Store string `envconfig:"STORE" default:"postgres"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
}

type DBConfig struct {
	Host     string `envconfig:"HOST"`
	Port     int    `envconfig:"PORT" default:"5432"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	Name     string `envconfig:"NAME"`

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `envconfig:"SSLMODE"`

	MaxOpenConns int  `envconfig:"MAX_OPEN_CONNS" default:"25"`
	Migrate      bool `envconfig:"MIGRATE" default:"true"`
}

type RedisConfig struct {
	Enabled bool   `envconfig:"ENABLED" default:"true"`
	Host    string `envconfig:"HOST"`
	Port    int    `envconfig:"PORT" default:"6379"`
}

// AuthConfig is the security section: operator and trigger tokens.
type AuthConfig struct {
	JWTSecret       string        `envconfig:"SECRET"`
	JWTIssuer       string        `envconfig:"ISSUER"`
	JWTAudience     string        `envconfig:"AUDIENCE"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TTL"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TTL"`
}

type TwilioConfig struct {
	AccountSID string `envconfig:"ACCOUNT_SID"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`
	FromNumber string `envconfig:"FROM_NUMBER"`
	BaseURL    string `envconfig:"BASE_URL" default:"https://api.twilio.com"`

	ValidateSignatures bool `envconfig:"VALIDATE_SIGNATURES" default:"true"`
}

// CallConfig is the dial policy applied to new campaigns.
type CallConfig struct {
	MaxAttempts int `envconfig:"MAX_ATTEMPTS" default:"3"`

	// RetryDelayMin is call_retry_delay_min: per-contact delay before the next number.
	RetryDelayMin        int  `envconfig:"RETRY_DELAY_MIN" default:"1"`
	MaxSecondaryAttempts int  `envconfig:"MAX_SECONDARY_ATTEMPTS" default:"2"`
	UniversalRetry       bool `envconfig:"UNIVERSAL_RETRY" default:"false"`

	UniversalRetryDelay time.Duration `envconfig:"UNIVERSAL_RETRY_DELAY" default:"15m"`
	MaxCycles           int           `envconfig:"MAX_CYCLES" default:"1"`
	CampaignDeadline    time.Duration `envconfig:"CAMPAIGN_DEADLINE" default:"4h"`

	AckDigits []string `envconfig:"ACK_DIGITS" default:"1"`

	RingTimeout    time.Duration `envconfig:"RING_TIMEOUT" default:"30s"`
	ResultTimeout  time.Duration `envconfig:"RESULT_TIMEOUT" default:"10m"`
	CallbackSettle time.Duration `envconfig:"CALLBACK_SETTLE" default:"3s"`

	// MaxActive caps live calls across all processes; 0 disables the cap.
	MaxActive int `envconfig:"MAX_ACTIVE" default:"0"`
}

type SMSConfig struct {
	Enabled     bool     `envconfig:"ENABLED" default:"false"`
	MaxAttempts int      `envconfig:"MAX_ATTEMPTS" default:"3"`
	AckKeywords []string `envconfig:"ACK_KEYWORDS" default:"1,yes,ok,confirm"`
}

type TTSConfig struct {
	Enabled  bool    `envconfig:"ENABLED" default:"true"`
	Voice    string  `envconfig:"VOICE" default:"alice"`
	Speed    float64 `envconfig:"SPEED" default:"1.0"`
	Provider string  `envconfig:"PROVIDER" default:"http"`
	Endpoint string  `envconfig:"ENDPOINT"`
	APIKey   string  `envconfig:"API_KEY"`
	CacheDir string  `envconfig:"CACHE_DIR" default:"./data/audio"`

	Retention   time.Duration `envconfig:"RETENTION" default:"720h"`
	Hold        time.Duration `envconfig:"HOLD" default:"2m"`
	Recheck     time.Duration `envconfig:"RECHECK" default:"5s"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	PeerWait    time.Duration `envconfig:"PEER_WAIT" default:"30s"`
}

type WorkersConfig struct {
	CallConcurrency     int `envconfig:"CALL_CONCURRENCY" default:"8"`
	SMSConcurrency      int `envconfig:"SMS_CONCURRENCY" default:"4"`
	TTSConcurrency      int `envconfig:"TTS_CONCURRENCY" default:"2"`
	CallbackConcurrency int `envconfig:"CALLBACK_CONCURRENCY" default:"4"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	Lease        time.Duration `envconfig:"LEASE" default:"2m"`

	// Gateway request rates per second; 0 means unlimited.
	CallRate float64 `envconfig:"CALL_RATE" default:"5"`
	SMSRate  float64 `envconfig:"SMS_RATE" default:"10"`

	BackoffBase   time.Duration `envconfig:"BACKOFF_BASE" default:"30s"`
	BackoffMax    time.Duration `envconfig:"BACKOFF_MAX" default:"15m"`
	BackoffJitter float64       `envconfig:"BACKOFF_JITTER" default:"0.2"`

	ReapSchedule  string        `envconfig:"REAP_SCHEDULE" default:"@every 30s"`
	EvictSchedule string        `envconfig:"EVICT_SCHEDULE" default:"@every 1h"`
	DrainTimeout  time.Duration `envconfig:"DRAIN_TIMEOUT" default:"20s"`
}

type NSQConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	NSQDAddr string `envconfig:"NSQD_ADDR" default:"localhost:4150"`
	Topic    string `envconfig:"TOPIC" default:"outreach.events"`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	// Missing .env is fine; real deployments set env directly.
	_ = godotenv.Load(".env")

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills environment-dependent defaults.
// It reports every problem at once.
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
	switch c.App.Store {
	case "postgres":
		errs = append(errs, c.validateDB()...)
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("APP_STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("APP_STORE must be postgres or memory, got %q", c.App.Store))
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when REDIS_ENABLED"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateDispatch()...)

	if c.App.EnableWorkers && c.IsProduction() {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required in production"))
		}
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required in production"))
		}
	}

	if c.NSQ.Enabled && c.NSQ.NSQDAddr == "" {
		errs = append(errs, errors.New("NSQ_NSQD_ADDR is required when NSQ_ENABLED"))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
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
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
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
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	if c.Call.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_ATTEMPTS must be > 0, got %d", c.Call.MaxAttempts))
	}
	if c.Call.RetryDelayMin < 0 {
		errs = append(errs, fmt.Errorf("CALL_RETRY_DELAY_MIN must be >= 0, got %d", c.Call.RetryDelayMin))
	}
	if c.Call.MaxSecondaryAttempts < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_SECONDARY_ATTEMPTS must be >= 0, got %d", c.Call.MaxSecondaryAttempts))
	}
	if c.Call.CampaignDeadline <= 0 {
		errs = append(errs, errors.New("CALL_CAMPAIGN_DEADLINE must be > 0"))
	}
	if len(c.Call.AckDigits) == 0 {
		errs = append(errs, errors.New("CALL_ACK_DIGITS must not be empty"))
	}
	if c.SMS.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SMS_MAX_ATTEMPTS must be > 0, got %d", c.SMS.MaxAttempts))
	}
	if c.TTS.Enabled {
		if c.TTS.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("TTS_MAX_ATTEMPTS must be > 0, got %d", c.TTS.MaxAttempts))
		}
		if c.TTS.Speed <= 0 {
			errs = append(errs, fmt.Errorf("TTS_SPEED must be > 0, got %v", c.TTS.Speed))
		}
		if c.TTS.CacheDir == "" {
			errs = append(errs, errors.New("TTS_CACHE_DIR is required"))
		}
	}

	w := c.Workers
	pools := []struct {
		key string
		n   int
	}{
		{"WORKERS_CALL_CONCURRENCY", w.CallConcurrency},
		{"WORKERS_SMS_CONCURRENCY", w.SMSConcurrency},
		{"WORKERS_TTS_CONCURRENCY", w.TTSConcurrency},
		{"WORKERS_CALLBACK_CONCURRENCY", w.CallbackConcurrency},
	}
	for _, p := range pools {
		if p.n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", p.key, p.n))
		}
	}
	if w.Lease <= 0 {
		errs = append(errs, errors.New("WORKERS_LEASE must be > 0"))
	}
	if w.BackoffMax < w.BackoffBase {
		errs = append(errs, errors.New("WORKERS_BACKOFF_MAX must be >= WORKERS_BACKOFF_BASE"))
	}
	if w.BackoffJitter < 0 || w.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("WORKERS_BACKOFF_JITTER must be within [0,1], got %v", w.BackoffJitter))
	}
	return errs
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

// RetryDelay is call_retry_delay_min as a duration.
func (c CallConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMin) * time.Minute
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
