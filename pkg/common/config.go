package common

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// KB - Kilobytes
	KB uint64 = 1024

	// MB - Megabytes
	MB uint64 = 1024 * 1024
)

// Config defines the configuration settings for an EmberDB instance.
type Config struct {
	// LockTimeoutMs is the default duration in milliseconds that a single
	// lock acquisition is allowed to block before failing.
	LockTimeoutMs int64 `yaml:"lockTimeoutMs"`

	// TxnExpirationSecs is the default TTL in seconds applied to new
	// transactions. 0 means transactions never expire.
	TxnExpirationSecs int64 `yaml:"txnExpirationSecs"`

	// LockStripes is the number of stripes in the per column family lock table.
	LockStripes uint32 `yaml:"lockStripes"`

	// CacheSize is the max memory in bytes used by the storage read cache.
	CacheSize int64 `yaml:"cacheSize"`

	// LogLevel is one of the logrus levels (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`
}

// NewDefaultConfig returns a new default EmberDB configuration.
func NewDefaultConfig() *Config {
	return &Config{
		LockTimeoutMs:     1000,
		TxnExpirationSecs: 0,
		LockStripes:       16,
		CacheSize:         int64(64 * MB),
		LogLevel:          "info",
	}
}

// Validate validates a Config and returns an error if it's invalid.
func (conf *Config) Validate() error {
	if conf.LockTimeoutMs <= 0 {
		return fmt.Errorf("invalid lock timeout provided in config")
	}
	if conf.LockStripes == 0 {
		return fmt.Errorf("invalid lock stripe count provided in config")
	}
	if conf.CacheSize <= 0 {
		return fmt.Errorf("invalid cache size provided in config")
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *Config) LoadFromFile(path string) {
	log.Info(fmt.Sprintf("common::config::LoadFromFile; loading config from file %s", path))
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return
	}
	fconf := Config{}
	err = yaml.Unmarshal(data, &fconf)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("common::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.LockTimeoutMs != 0 {
		conf.LockTimeoutMs = fconf.LockTimeoutMs
	}
	if fconf.TxnExpirationSecs != 0 {
		conf.TxnExpirationSecs = fconf.TxnExpirationSecs
	}
	if fconf.LockStripes != 0 {
		conf.LockStripes = fconf.LockStripes
	}
	if fconf.CacheSize != 0 {
		conf.CacheSize = fconf.CacheSize
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
}
