package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/logger"
	"github.com/vyvo/compute/rootfs/pkg/runner"
)

// BuilderConfig captures runtime settings for the rootfs build service and CLI.
type BuilderConfig struct {
	ListenAddr     string         `mapstructure:"listen_addr"`
	Workers        int            `mapstructure:"workers"`
	WorkDir        string         `mapstructure:"work_dir"`
	BaseDir        string         `mapstructure:"base_dir"`
	PackageDir     string         `mapstructure:"package_dir"`
	CommandTimeout time.Duration  `mapstructure:"command_timeout"`
	Isolation      string         `mapstructure:"isolation"` // userns, chroot
	DatabaseURL    string         `mapstructure:"database_url"`
	RedisURL       string         `mapstructure:"redis_url"`
	QueueKey       string         `mapstructure:"queue_key"`
	NotifyURL      string         `mapstructure:"notify_url"`
	Trace          bool           `mapstructure:"trace"`
	APIKeys        []string       `mapstructure:"api_keys"`
	Log            logger.Config  `mapstructure:"log"`
	Artifacts      ArtifactConfig `mapstructure:"artifacts"`
}

// ArtifactConfig selects where published images are kept.
type ArtifactConfig struct {
	Backend string               `mapstructure:"backend"` // local, minio, sftp
	Dir     string               `mapstructure:"dir"`
	MinIO   artifact.MinIOConfig `mapstructure:"minio"`
	SFTP    artifact.SFTPConfig  `mapstructure:"sftp"`
}

var defaults = map[string]any{
	"listen_addr":                     ":8085",
	"workers":                         2,
	"work_dir":                        "/var/lib/rootfs/work",
	"base_dir":                        "/var/lib/rootfs/base",
	"package_dir":                     "/var/lib/rootfs/packages",
	"command_timeout":                 "2m",
	"isolation":                       "userns",
	"database_url":                    "",
	"redis_url":                       "",
	"queue_key":                       "rootfs:builds",
	"notify_url":                      "",
	"trace":                           false,
	"api_keys":                        []string{},
	"log.level":                       "info",
	"log.format":                      "console",
	"log.output":                      "stderr",
	"artifacts.backend":               "local",
	"artifacts.dir":                   "/var/lib/rootfs/artifacts",
	"artifacts.minio.endpoint":        "",
	"artifacts.minio.access_key":      "",
	"artifacts.minio.secret_key":      "",
	"artifacts.minio.use_ssl":         false,
	"artifacts.minio.bucket":          "rootfs",
	"artifacts.minio.prefix":          "",
	"artifacts.sftp.addr":             "",
	"artifacts.sftp.user":             "",
	"artifacts.sftp.password":         "",
	"artifacts.sftp.private_key_path": "",
	"artifacts.sftp.root":             "/srv/rootfs",
}

// LoadBuilder loads builder configuration from defaults, ./configs/config.yaml
// and ROOTFS_* env vars.
func LoadBuilder() (BuilderConfig, error) {
	return LoadBuilderFrom("./configs")
}

// LoadBuilderFrom is LoadBuilder with an explicit config directory.
func LoadBuilderFrom(dir string) (BuilderConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("ROOTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return BuilderConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can start with.
func (c BuilderConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if err := runner.Isolation(c.Isolation).Validate(); err != nil {
		return err
	}
	switch c.Artifacts.Backend {
	case "local", "minio", "sftp":
	default:
		return fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend)
	}
	return nil
}
