/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"fmt"
	"time"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/retry"
)

const cfgDefaultKeyPrefix = "jobQueue"

const (
	cfgKeyConcurrency      = "concurrency"
	cfgKeyMaxJobs          = "maxJobs"
	cfgKeyJobTimeout       = "jobTimeout"
	cfgKeyStore            = "store"
	cfgKeySQLitePath       = "sqlite.path"
	cfgKeySQLiteRetry      = "sqlite.retry"
	cfgKeyCleanupInterval  = "cleanup.interval"
	cfgKeyCleanupRetention = "cleanup.retention"
)

// StoreType defines where job records live.
type StoreType string

// Store types.
const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
)

// SQLiteConfig describes the durable job store.
type SQLiteConfig struct {
	Path  string
	Retry *retry.Config
}

// CleanupConfig describes the periodic removal of old terminal jobs.
type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Config represents a set of configuration parameters for the job queue.
type Config struct {
	Concurrency int
	MaxJobs     int
	JobTimeout  time.Duration
	Store       StoreType
	SQLite      SQLiteConfig
	Cleanup     CleanupConfig

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config with the given key prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix, SQLite: SQLiteConfig{Retry: retry.NewConfig("")}}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyConcurrency, 1)
	dp.SetDefault(cfgKeyMaxJobs, DefaultMaxJobs)
	dp.SetDefault(cfgKeyJobTimeout, "0s")
	dp.SetDefault(cfgKeyStore, string(StoreTypeMemory))
	dp.SetDefault(cfgKeySQLitePath, "secureshare-jobs.db")
	dp.SetDefault(cfgKeyCleanupInterval, "1h")
	dp.SetDefault(cfgKeyCleanupRetention, "168h")
	c.SQLite.Retry.SetProviderDefaults(config.NewKeyPrefixedDataProvider(dp, cfgKeySQLiteRetry))
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Concurrency, err = dp.GetInt(cfgKeyConcurrency); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return dp.WrapKeyErr(cfgKeyConcurrency, fmt.Errorf("must be positive"))
	}
	if c.MaxJobs, err = dp.GetInt(cfgKeyMaxJobs); err != nil {
		return err
	}
	if c.MaxJobs <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxJobs, fmt.Errorf("must be positive"))
	}
	if c.JobTimeout, err = dp.GetDuration(cfgKeyJobTimeout); err != nil {
		return err
	}
	if c.JobTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyJobTimeout, fmt.Errorf("cannot be negative"))
	}

	storeType, err := dp.GetStringFromSet(cfgKeyStore, []string{string(StoreTypeMemory), string(StoreTypeSQLite)}, false)
	if err != nil {
		return err
	}
	c.Store = StoreType(storeType)
	if c.SQLite.Path, err = dp.GetString(cfgKeySQLitePath); err != nil {
		return err
	}
	if c.Store == StoreTypeSQLite && c.SQLite.Path == "" {
		return dp.WrapKeyErr(cfgKeySQLitePath, fmt.Errorf("cannot be empty for %q store", StoreTypeSQLite))
	}
	if c.SQLite.Retry == nil {
		c.SQLite.Retry = retry.NewConfig("")
	}
	if err = c.SQLite.Retry.Set(config.NewKeyPrefixedDataProvider(dp, cfgKeySQLiteRetry)); err != nil {
		return err
	}

	if c.Cleanup.Interval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if c.Cleanup.Interval <= 0 {
		return dp.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("must be positive"))
	}
	if c.Cleanup.Retention, err = dp.GetDuration(cfgKeyCleanupRetention); err != nil {
		return err
	}
	if c.Cleanup.Retention < 0 {
		return dp.WrapKeyErr(cfgKeyCleanupRetention, fmt.Errorf("cannot be negative"))
	}
	return nil
}

// QueueOpts returns Opts filled from the configuration. Store, Clock and Metrics are left for the caller.
func (c *Config) QueueOpts() Opts {
	return Opts{
		Concurrency:    c.Concurrency,
		MaxJobs:        c.MaxJobs,
		JobTimeout:     c.JobTimeout,
		PruneRetention: c.Cleanup.Retention,
	}
}
