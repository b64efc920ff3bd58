package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Answer   AnswerConfig   `yaml:"answer"`
	Relay    RelayConfig    `yaml:"relay"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// AnswerConfig points at the external answer service.
type AnswerConfig struct {
	URL             string        `yaml:"url" env:"PY_AI_URL"`
	Secret          string        `yaml:"secret" env:"SHARED_SECRET"`
	Timeout         time.Duration `yaml:"timeout" env:"ANSWER_TIMEOUT"`
	FallbackMessage string        `yaml:"fallbackMessage" env:"ANSWER_FALLBACK_MESSAGE"`
}

type RelayConfig struct {
	// TriggerPrefix is read with os.LookupEnv: an explicitly empty
	// TRIGGER_PREFIX switches to answer-all mode.
	TriggerPrefix string `yaml:"triggerPrefix"`
	IgnoreFromMe  bool   `yaml:"ignoreFromMe" env:"IGNORE_OWN_MESSAGES"`
	IgnoreStatus  bool   `yaml:"ignoreStatus" env:"IGNORE_STATUS_BROADCAST"`
	BusBuffer     int    `yaml:"busBuffer" env:"BUS_BUFFER"`
}

type WhatsAppConfig struct {
	Mode      string      `yaml:"mode" env:"WA_MODE"` // "web" | "cloud"
	StorePath string      `yaml:"storePath" env:"WA_STORE_PATH"`
	LogLevel  string      `yaml:"logLevel" env:"WA_LOG_LEVEL"`
	Cloud     CloudConfig `yaml:"cloud" envPrefix:"WA_CLOUD_"`
}

// CloudConfig configures the WhatsApp Business Cloud API transport.
type CloudConfig struct {
	APIBase       string `yaml:"apiBase" env:"API_BASE"`
	AccessToken   string `yaml:"accessToken" env:"ACCESS_TOKEN"`
	PhoneNumberID string `yaml:"phoneNumberId" env:"PHONE_NUMBER_ID"`
	VerifyToken   string `yaml:"verifyToken" env:"VERIFY_TOKEN"`
	AppSecret     string `yaml:"appSecret" env:"APP_SECRET"`
	ListenAddr    string `yaml:"listenAddr" env:"LISTEN_ADDR"`
	WebhookPath   string `yaml:"webhookPath" env:"WEBHOOK_PATH"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"` // "text" | "json"
	File       string `yaml:"file,omitempty" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMB" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"maxAgeDays" env:"LOG_MAX_AGE_DAYS"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"METRICS_ADDR"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

const (
	ModeWeb   = "web"
	ModeCloud = "cloud"
)

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env files, then the process environment.
// Env files never override variables already present in the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	if v, ok := os.LookupEnv("TRIGGER_PREFIX"); ok {
		cfg.Relay.TriggerPrefix = v
	}

	cfg.WhatsApp.StorePath = ExpandPath(cfg.WhatsApp.StorePath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads the given files, or ./.env when none are given. A
// missing default .env is not an error; a missing explicit file is.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("cannot load env file: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; ${VAR} with VAR
// unset is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def, hasDefault := groups[2], strings.Contains(match, ":-")

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	if u, err := url.Parse(cfg.Answer.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("answer.url must be an absolute http(s) URL, got %q", cfg.Answer.URL))
	}
	if cfg.Answer.Timeout <= 0 {
		errs = append(errs, "answer.timeout must be positive")
	}
	if strings.TrimSpace(cfg.Answer.FallbackMessage) == "" {
		errs = append(errs, "answer.fallbackMessage must not be empty")
	}
	if cfg.Relay.BusBuffer < 1 {
		errs = append(errs, "relay.busBuffer must be >= 1")
	}

	switch cfg.WhatsApp.Mode {
	case ModeWeb:
		if cfg.WhatsApp.StorePath == "" {
			errs = append(errs, "whatsapp.storePath is required in web mode")
		}
	case ModeCloud:
		c := cfg.WhatsApp.Cloud
		if c.AccessToken == "" {
			errs = append(errs, "whatsapp.cloud.accessToken is required in cloud mode")
		}
		if c.PhoneNumberID == "" {
			errs = append(errs, "whatsapp.cloud.phoneNumberId is required in cloud mode")
		}
		if c.VerifyToken == "" {
			errs = append(errs, "whatsapp.cloud.verifyToken is required in cloud mode")
		}
		if c.ListenAddr == "" {
			errs = append(errs, "whatsapp.cloud.listenAddr is required in cloud mode")
		}
		if !strings.HasPrefix(c.WebhookPath, "/") {
			errs = append(errs, "whatsapp.cloud.webhookPath must start with /")
		}
	default:
		errs = append(errs, fmt.Sprintf("whatsapp.mode must be one of: web, cloud (got %q)", cfg.WhatsApp.Mode))
	}
	if !validLevel(cfg.WhatsApp.LogLevel) {
		errs = append(errs, "whatsapp.logLevel must be one of: debug, info, warn, error")
	}

	if !validLevel(cfg.Log.Level) {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

func validLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
