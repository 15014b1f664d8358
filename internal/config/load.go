package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FARMSYNC_FARM_ENABLED.
const EnvPrefix = "FARMSYNC"

// ConfigPathEnv names an explicit configuration file.
const ConfigPathEnv = "FARMSYNC_CONFIG"

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.http_addr", "127.0.0.1:8089")
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", filepath.Join("data", "farmsync.db"))

	v.SetDefault("farm.enabled", false)
	v.SetDefault("farm.anonymous_enabled", true)
	v.SetDefault("farm.server_id", hostname)
	v.SetDefault("farm.server_name", hostname)
	v.SetDefault("farm.producer_interval", "500ms")
	v.SetDefault("farm.dispatcher_interval", "1s")
	v.SetDefault("farm.maintenance_interval", "5m")
	v.SetDefault("farm.orphan_grace", "10m")
	v.SetDefault("farm.batch_size", 50)
	v.SetDefault("farm.sentinel_path", filepath.Join("data", "farm.signal"))
	v.SetDefault("farm.files_root", filepath.Join("data", "files"))

	// Registered so AutomaticEnv sees them during Unmarshal.
	v.SetDefault("license.token", "")
	v.SetDefault("license.secret", "")
}

// Load reads configuration from defaults, an optional file and environment
// variables. The file is FARMSYNC_CONFIG when set, otherwise farmsync.yaml in
// the working directory if present. Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigPathEnv))
}

// LoadFile is like Load with an explicit file path. An empty path falls back
// to the optional farmsync.yaml lookup; a non-empty path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("farmsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
