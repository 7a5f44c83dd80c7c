package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

// envOverrides are the environment variables that win over the config file.
// Unset variables leave the pointer nil.
type envOverrides struct {
	Password       *string  `envconfig:"PASSWORD"`
	Host           *string  `envconfig:"HOST"`
	Port           *int     `envconfig:"PORT"`
	DBPath         *string  `envconfig:"DB_PATH"`
	UploadsDir     *string  `envconfig:"UPLOADS_DIR"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	LogLevel       *string  `envconfig:"LOG_LEVEL"`
	HistoryLimit   *int     `envconfig:"HISTORY_LIMIT"`
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	if env.Password != nil {
		cfg.Auth.Password = *env.Password
	}
	if env.Host != nil {
		cfg.Server.Host = *env.Host
	}
	if env.Port != nil {
		cfg.Server.Port = *env.Port
	}
	if env.DBPath != nil {
		cfg.Store.DBPath = *env.DBPath
	}
	if env.UploadsDir != nil {
		cfg.Uploads.Dir = *env.UploadsDir
	}
	if env.AllowedOrigins != nil {
		cfg.Hub.AllowedOrigins = lo.Compact(lo.Map(env.AllowedOrigins, func(o string, _ int) string {
			return strings.TrimSpace(o)
		}))
	}
	if env.LogLevel != nil {
		cfg.Log.Level = strings.ToLower(*env.LogLevel)
	}
	if env.HistoryLimit != nil {
		cfg.Hub.HistoryLimit = *env.HistoryLimit
	}
	return nil
}
