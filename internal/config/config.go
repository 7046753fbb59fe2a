// Package config loads process-level configuration for Alexander Backup.
// Dataset-level tunables (MaxDeltaChain, retention policy, ...) live in
// the metadata store's Config table, not here.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine's process configuration.
type Config struct {
	// Root is the directory holding all client datasets.
	Root string `mapstructure:"root"`

	// Client is the client (dataset) name under Root.
	Client string `mapstructure:"client"`

	// DBName is the metadata database filename inside the dataset.
	DBName string `mapstructure:"db_name"`

	// TempDir holds spool files for ingest and basis materialisation.
	// Empty uses <dataset>/tmp.
	TempDir string `mapstructure:"temp_dir"`

	// Compress enables zstd compression of ingested content.
	Compress bool `mapstructure:"compress"`

	// BackupDBOnOpen copies the metadata database aside before opening.
	BackupDBOnOpen bool `mapstructure:"backup_db_on_open"`

	// KeyFile optionally holds wrapped keys outside the dataset.
	KeyFile string `mapstructure:"key_file"`

	// ChecksumAlgorithm is recorded at dataset creation (default md5).
	ChecksumAlgorithm string `mapstructure:"checksum_algorithm"`

	// Redis configures the optional shared checksum-info cache; when
	// disabled an in-process cache is used instead.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns the host:port address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// envPrefix namespaces all environment overrides.
const envPrefix = "ALEXANDER_BACKUP"

// Load reads configuration from an optional file and the environment.
// path may be empty to use environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("root", "/srv/alexander-backup")
	v.SetDefault("client", "")
	v.SetDefault("db_name", "tardis.db")
	v.SetDefault("temp_dir", "")
	v.SetDefault("compress", true)
	v.SetDefault("backup_db_on_open", false)
	v.SetDefault("key_file", "")
	v.SetDefault("checksum_algorithm", "md5")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
