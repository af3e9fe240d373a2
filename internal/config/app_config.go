package config

import (
	"time"
)

type AppConfig struct {
	Port            int           `yaml:"port" env:"APP_PORT" env-default:"8080"`
	DefaultTimeout  time.Duration `yaml:"default_timeout" env:"APP_DEFAULT_TIMEOUT" env-default:"5s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"APP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	LogLevel        string        `yaml:"log_level" env:"APP_LOG_LEVEL" env-default:"debug"`
}

// StorageConfig places the volumes. Each volume lives in DataDir/<token>.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"STORAGE_DATA_DIR" env-default:"data"`
	Volume  string `yaml:"volume" env:"STORAGE_VOLUME" env-default:"default"`
	// MaxOpenFiles bounds the descriptor table of every mounted volume.
	MaxOpenFiles int `yaml:"max_open_files" env:"STORAGE_MAX_OPEN_FILES" env-default:"65536"`
}

type MountConfig struct {
	Mountpoint string `yaml:"mountpoint" env:"MOUNT_MOUNTPOINT"`
	Debug      bool   `yaml:"debug" env:"MOUNT_DEBUG"`
	AllowOther bool   `yaml:"allow_other" env:"MOUNT_ALLOW_OTHER"`
}
