// internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Values are resolved by
// viper with precedence flags > env (CREDPILOT_*) > config file > defaults.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Account  AccountConfig  `mapstructure:"account" yaml:"account"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	AuthSync AuthSyncConfig `mapstructure:"authsync" yaml:"authsync"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServiceConfig describes the target service's registration surface. The
// verification-email format and page structure are external, changeable
// details, so everything here is configuration rather than code.
type ServiceConfig struct {
	SignUpURL string `mapstructure:"sign_up_url" yaml:"sign_up_url"`
	// SignInURL is the login page used by the refresh pipeline to
	// re-authenticate an existing account.
	SignInURL   string `mapstructure:"sign_in_url" yaml:"sign_in_url"`
	SettingsURL string `mapstructure:"settings_url" yaml:"settings_url"`

	Selectors SelectorConfig `mapstructure:"selectors" yaml:"selectors"`

	// TokenCookie is the cookie holding the issued session token after a
	// successful registration.
	TokenCookie string `mapstructure:"token_cookie" yaml:"token_cookie"`
	// TokenDelimiter optionally splits the raw cookie value; the last
	// segment is kept. Empty means the raw value is the token.
	TokenDelimiter string `mapstructure:"token_delimiter" yaml:"token_delimiter"`
}

// SelectorConfig names the form elements the registration flow drives.
type SelectorConfig struct {
	FirstName string `mapstructure:"first_name" yaml:"first_name"`
	LastName  string `mapstructure:"last_name" yaml:"last_name"`
	Email     string `mapstructure:"email" yaml:"email"`
	Password  string `mapstructure:"password" yaml:"password"`
	Submit    string `mapstructure:"submit" yaml:"submit"`
	// CodeInput is a format string expanded with the digit index, e.g.
	// "input[data-index='%d']".
	CodeInput string `mapstructure:"code_input" yaml:"code_input"`
	// Success marks the post-registration landing page.
	Success string `mapstructure:"success" yaml:"success"`
	// IdentityTaken marks the "address already in use" rejection. Hitting
	// it is structural for the current identity, not transient.
	IdentityTaken string `mapstructure:"identity_taken" yaml:"identity_taken"`
}

// BrowserConfig holds settings for the headless browser sessions.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ProxyURL          string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// ActionTimeout bounds a single fill/click/wait step.
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// MailboxConfig selects and configures the verification-mail provider.
type MailboxConfig struct {
	// Provider is "tempmail" or "imap".
	Provider string `mapstructure:"provider" yaml:"provider"`
	// CodePattern extracts the verification code from a message body. The
	// first capture group, if present, is the code.
	CodePattern string         `mapstructure:"code_pattern" yaml:"code_pattern"`
	TempMail    TempMailConfig `mapstructure:"tempmail" yaml:"tempmail"`
	IMAP        IMAPConfig     `mapstructure:"imap" yaml:"imap"`
}

// TempMailConfig targets a disposable-inbox HTTP API.
type TempMailConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Username  string `mapstructure:"username" yaml:"username"`
	Extension string `mapstructure:"extension" yaml:"extension"`
	EPin      string `mapstructure:"epin" yaml:"epin"`
}

// IMAPConfig targets a real mailbox over IMAP.
type IMAPConfig struct {
	Server     string `mapstructure:"server" yaml:"server"`
	Port       int    `mapstructure:"port" yaml:"port"`
	User       string `mapstructure:"user" yaml:"user"`
	Password   string `mapstructure:"password" yaml:"password"`
	Folder     string `mapstructure:"folder" yaml:"folder"`
	FromFilter string `mapstructure:"from_filter" yaml:"from_filter"`
}

// AccountConfig drives generation of fresh identities.
type AccountConfig struct {
	// Domain receives the generated local parts, e.g. "mail.example.org".
	Domain         string `mapstructure:"domain" yaml:"domain"`
	PasswordLength int    `mapstructure:"password_length" yaml:"password_length"`
}

// IdentityConfig configures the machine-identity reset hook.
type IdentityConfig struct {
	// ResetCommand is executed once per new account before the browser
	// opens. Empty disables the reset.
	ResetCommand []string      `mapstructure:"reset_command" yaml:"reset_command"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// PipelineConfig holds the workflow controller's ceilings and timeouts.
type PipelineConfig struct {
	MaxRegisterAttempts  int           `mapstructure:"max_register_attempts" yaml:"max_register_attempts"`
	MaxRefreshAttempts   int           `mapstructure:"max_refresh_attempts" yaml:"max_refresh_attempts"`
	MaxVerificationTries int           `mapstructure:"max_verification_retries" yaml:"max_verification_retries"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	VerificationTimeout  time.Duration `mapstructure:"verification_timeout" yaml:"verification_timeout"`
	FailureCeiling       int           `mapstructure:"failure_ceiling" yaml:"failure_ceiling"`
	// RefreshWindow selects Active records whose token expires within the
	// window for the refresh pipeline.
	RefreshWindow time.Duration `mapstructure:"refresh_window" yaml:"refresh_window"`
}

// EngineConfig configures the worker pool running pipelines.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	PipelineTimeout   time.Duration `mapstructure:"pipeline_timeout" yaml:"pipeline_timeout"`
}

// RetryConfig tunes the shared transient-failure policy.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// AuthSyncConfig controls installing an acquired credential into a local
// application's SQLite settings database.
type AuthSyncConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
	// KeyPrefix namespaces the email/token keys inside the item table.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "credpilot")
	v.SetDefault("logger.log_file", "credpilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Service --
	v.SetDefault("service.selectors.first_name", `input[name="first_name"]`)
	v.SetDefault("service.selectors.last_name", `input[name="last_name"]`)
	v.SetDefault("service.selectors.email", `input[name="email"]`)
	v.SetDefault("service.selectors.password", `input[name="password"]`)
	v.SetDefault("service.selectors.submit", `button[type="submit"]`)
	v.SetDefault("service.selectors.code_input", `input[data-index="%d"]`)
	v.SetDefault("service.token_delimiter", "")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "15s")

	// -- Mailbox --
	v.SetDefault("mailbox.provider", "tempmail")
	// First capture group is the code; the guard rejects digits glued to
	// identifiers or addresses.
	v.SetDefault("mailbox.code_pattern", `(?:^|[^0-9A-Za-z@.])([0-9]{6})(?:[^0-9]|$)`)
	v.SetDefault("mailbox.tempmail.base_url", "https://tempmail.plus")
	v.SetDefault("mailbox.imap.port", 993)
	v.SetDefault("mailbox.imap.folder", "INBOX")

	// -- Account --
	v.SetDefault("account.password_length", 14)

	// -- Identity --
	v.SetDefault("identity.reset_timeout", "60s")

	// -- Pipeline --
	v.SetDefault("pipeline.max_register_attempts", 3)
	v.SetDefault("pipeline.max_refresh_attempts", 3)
	v.SetDefault("pipeline.max_verification_retries", 2)
	v.SetDefault("pipeline.poll_interval", "5s")
	v.SetDefault("pipeline.verification_timeout", "120s")
	v.SetDefault("pipeline.failure_ceiling", 5)
	v.SetDefault("pipeline.refresh_window", "24h")

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 2)
	v.SetDefault("engine.pipeline_timeout", "10m")

	// -- Retry --
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")

	// -- Store --
	v.SetDefault("store.driver", "memory")

	// -- AuthSync --
	v.SetDefault("authsync.enabled", false)
	v.SetDefault("authsync.key_prefix", "credpilot/auth")
}

// NewFromViper builds and validates a Config from a prepared viper instance.
func NewFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefault returns a Config populated with defaults only. Used by tests.
func NewDefault() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Pipeline.MaxRegisterAttempts <= 0 {
		return fmt.Errorf("pipeline.max_register_attempts must be a positive integer")
	}
	if c.Pipeline.MaxRefreshAttempts <= 0 {
		return fmt.Errorf("pipeline.max_refresh_attempts must be a positive integer")
	}
	if c.Pipeline.MaxVerificationTries < 0 {
		return fmt.Errorf("pipeline.max_verification_retries must not be negative")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be a positive duration")
	}
	if c.Pipeline.VerificationTimeout <= 0 {
		return fmt.Errorf("pipeline.verification_timeout must be a positive duration")
	}
	if c.Pipeline.FailureCeiling <= 0 {
		return fmt.Errorf("pipeline.failure_ceiling must be a positive integer")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and retry.max_delay must not be smaller")
	}
	if _, err := regexp.Compile(c.Mailbox.CodePattern); err != nil {
		return fmt.Errorf("mailbox.code_pattern is not a valid regexp: %w", err)
	}
	switch c.Mailbox.Provider {
	case "tempmail", "imap":
	default:
		return fmt.Errorf("mailbox.provider must be \"tempmail\" or \"imap\", got %q", c.Mailbox.Provider)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required when store.driver is \"postgres\"")
		}
	default:
		return fmt.Errorf("store.driver must be \"postgres\" or \"memory\", got %q", c.Store.Driver)
	}
	if c.AuthSync.Enabled && c.AuthSync.DBPath == "" {
		return fmt.Errorf("authsync.db_path is required when authsync is enabled")
	}
	if c.Service.SignUpURL != "" && !strings.Contains(c.Service.SignUpURL, "://") {
		return fmt.Errorf("service.sign_up_url must be an absolute URL")
	}
	if c.Service.SignInURL != "" && !strings.Contains(c.Service.SignInURL, "://") {
		return fmt.Errorf("service.sign_in_url must be an absolute URL")
	}
	return nil
}
