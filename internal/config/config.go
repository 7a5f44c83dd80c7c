package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Store   StoreConfig   `json:"store"`
	Uploads UploadsConfig `json:"uploads"`
	Hub     HubConfig     `json:"hub"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port" validate:"min=1,max=65535"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" validate:"min=1"`
}

// AuthConfig holds the shared login secret. An empty password rejects every login.
type AuthConfig struct {
	Password string `json:"password"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath" validate:"required"`
}

type UploadsConfig struct {
	Dir string `json:"dir" validate:"required"`
}

type HubConfig struct {
	HistoryLimit   int             `json:"historyLimit" validate:"min=1,max=1000"`
	SendBuffer     int             `json:"sendBuffer" validate:"min=1"`
	MaxFrameBytes  int64           `json:"maxFrameBytes" validate:"min=0"` // 0 = unlimited
	AllowedOrigins []string        `json:"allowedOrigins"`                 // "*" allows any origin
	RateLimit      RateLimitConfig `json:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled   bool    `json:"enabled"`
	PerSecond float64 `json:"perSecond" validate:"gte=0"`
	Burst     int     `json:"burst" validate:"gte=0"`
}

type LogConfig struct {
	Level string `json:"level" validate:"oneof=debug info warn error"`
	File  string `json:"file,omitempty"` // optional log file path
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigPath is used when --config is not given.
func DefaultConfigPath() string {
	return "chatrelay.json"
}

// Load reads and validates a config file. JSON by default, YAML for .yaml
// and .yml files.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Resolve builds the effective config: defaults, then the file at path if it
// exists, then environment overrides.
func Resolve(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		loaded, err := loadFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		default:
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	expandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	expandPaths(cfg)
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON lets YAML files reuse the json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func expandPaths(cfg *Config) {
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Uploads.Dir = ExpandPath(cfg.Uploads.Dir)
	cfg.Log.File = ExpandPath(cfg.Log.File)
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
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension asks for it.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// The file may carry the shared password.
	return os.WriteFile(path, data, 0o600)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if cfg.Hub.RateLimit.Enabled && (cfg.Hub.RateLimit.PerSecond <= 0 || cfg.Hub.RateLimit.Burst < 1) {
		errs = append(errs, "hub.rateLimit needs perSecond > 0 and burst >= 1 when enabled")
	}
	if cfg.Metrics.Enabled {
		switch {
		case !strings.HasPrefix(cfg.Metrics.Endpoint, "/"):
			errs = append(errs, "metrics.endpoint must start with /")
		case isReservedRoute(cfg.Metrics.Endpoint):
			errs = append(errs, fmt.Sprintf("metrics.endpoint %s collides with a built-in route", cfg.Metrics.Endpoint))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isReservedRoute(path string) bool {
	switch path {
	case "/login", "/ws", "/status":
		return true
	}
	return strings.HasPrefix(path, "/uploads/")
}

// describe turns a validator error into "<dot.path> <problem>".
func describe(fe validator.FieldError) string {
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
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
