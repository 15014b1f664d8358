package config

import "time"

// Config holds all daemon configuration, grouped by concern.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Farm     FarmConfig     `mapstructure:"farm" validate:"required"`
	License  LicenseConfig  `mapstructure:"license"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// HTTPAddr is where the status and enqueue API listens.
	HTTPAddr string `mapstructure:"http_addr" validate:"required,hostname_port"`

	// APIToken guards the enqueue endpoint. Empty disables the check.
	APIToken string `mapstructure:"api_token"`
}

// DatabaseConfig selects the task store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`

	// URL is a PostgreSQL connection string, or a file path for sqlite.
	URL string `mapstructure:"url" validate:"required"`
}

// FarmConfig controls task propagation.
type FarmConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	AnonymousEnabled bool `mapstructure:"anonymous_enabled"`

	// ServerID is this instance's farm identity. Defaults to the hostname.
	ServerID   string `mapstructure:"server_id" validate:"required_if=Enabled true,max=255"`
	ServerName string `mapstructure:"server_name"`

	ProducerInterval    time.Duration `mapstructure:"producer_interval" validate:"gt=0"`
	DispatcherInterval  time.Duration `mapstructure:"dispatcher_interval" validate:"gt=0"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
	OrphanGrace         time.Duration `mapstructure:"orphan_grace" validate:"gte=0"`

	BatchSize int `mapstructure:"batch_size" validate:"gt=0,lte=1000"`

	// SentinelPath is the file touched to wake the anonymous dispatcher.
	SentinelPath string `mapstructure:"sentinel_path" validate:"required_if=AnonymousEnabled true"`

	// FilesRoot bounds the paths file replication tasks may touch.
	FilesRoot string `mapstructure:"files_root" validate:"required"`
}

// LicenseConfig configures the farm license check. With no token the farm
// feature is treated as licensed.
type LicenseConfig struct {
	Token  string `mapstructure:"token"`
	Secret string `mapstructure:"secret" validate:"required_with=Token,omitempty,min=32"`
}
