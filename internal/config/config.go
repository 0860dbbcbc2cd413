package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"tgrelay/internal/domain"
)

const (
	BackendUser = "user"
	BackendBot  = "bot"

	DispatchOrdered    = "ordered"
	DispatchConcurrent = "concurrent"
)

// Config is the process-wide configuration. It is read-only once Load returns.
type Config struct {
	Backend  string `env:"TELEGRAM_BACKEND" yaml:"backend" json:"backend" validate:"oneof=user bot"`
	APIID    int    `env:"TELEGRAM_API_ID" yaml:"api_id" json:"api_id" validate:"required_if=Backend user"`
	APIHash  string `env:"TELEGRAM_API_HASH" yaml:"api_hash" json:"api_hash" validate:"required_if=Backend user"`
	Phone    string `env:"TELEGRAM_PHONE" yaml:"phone" json:"phone" validate:"required_if=Backend user"`
	BotToken string `env:"TELEGRAM_BOT_TOKEN" yaml:"bot_token" json:"bot_token" validate:"required_if=Backend bot"`

	WebhookURL     string        `env:"N8N_WEBHOOK_URL" yaml:"webhook_url" json:"webhook_url" validate:"omitempty,http_url"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET" yaml:"webhook_secret" json:"webhook_secret"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" yaml:"webhook_timeout" json:"webhook_timeout" validate:"gt=0s"`

	SessionPath string `env:"SESSION_PATH" yaml:"session_path" json:"session_path" validate:"required"`
	LogFile     string `env:"LOG_FILE" yaml:"log_file" json:"log_file"`
	LogLevel    string `env:"LOG_LEVEL" yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `env:"LOG_FORMAT" yaml:"log_format" json:"log_format" validate:"oneof=text json"`

	HealthAddr     string `env:"HEALTH_ADDR" yaml:"health_addr" json:"health_addr" validate:"required"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" yaml:"metrics_enabled" json:"metrics_enabled"`

	DispatchMode           string        `env:"DISPATCH_MODE" yaml:"dispatch_mode" json:"dispatch_mode" validate:"oneof=ordered concurrent"`
	DispatchConcurrency    int           `env:"DISPATCH_CONCURRENCY" yaml:"dispatch_concurrency" json:"dispatch_concurrency" validate:"min=1,max=64"`
	DispatchQueueSize      int           `env:"DISPATCH_QUEUE_SIZE" yaml:"dispatch_queue_size" json:"dispatch_queue_size" validate:"min=1"`
	DispatchEnqueueTimeout time.Duration `env:"DISPATCH_ENQUEUE_TIMEOUT" yaml:"dispatch_enqueue_timeout" json:"dispatch_enqueue_timeout" validate:"gte=0s"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0s"`
}

// EnqueueTimeout is how long ingestion may wait on a full dispatch queue.
func (c *Config) EnqueueTimeout() time.Duration {
	if c.DispatchEnqueueTimeout > 0 {
		return c.DispatchEnqueueTimeout
	}
	return c.WebhookTimeout
}

// Load builds the configuration from, in increasing precedence: defaults,
// a .env file in the working directory, the process environment, and the
// optional YAML file at path. The result is validated; when validation
// fails the populated config is still returned with the error so callers
// such as diagnostics can report on it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot read .env: %w", err)
	}

	cfg := Defaults()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, &domain.ConfigurationError{Fields: []string{err.Error()}}
	}

	if path != "" {
		if err := loadFile(ExpandPath(path), cfg); err != nil {
			return nil, err
		}
	}

	cfg.SessionPath = ExpandPath(cfg.SessionPath)
	cfg.LogFile = ExpandPath(cfg.LogFile)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &domain.ConfigurationError{Fields: []string{fmt.Sprintf("cannot parse config file %s: %v", path, err)}}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		return name
	})
	return v
}

// Validate checks every field and reports all failures in one
// *domain.ConfigurationError.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ConfigurationError{Fields: []string{err.Error()}}
	}

	return &domain.ConfigurationError{Fields: lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return describe(fe)
	})}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when TELEGRAM_BACKEND=%s", fe.Field(), lastWord(fe.Param()))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "http_url":
		return fe.Field() + " must be an http(s) URL"
	default:
		return fmt.Sprintf("%s is invalid (%s=%s)", fe.Field(), fe.Tag(), fe.Param())
	}
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[len(fields)-1]
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
