/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"fmt"
	"time"

	"github.com/secureshare/secureshare/config"
)

const (
	cfgKeyInitialInterval = "initialInterval"
	cfgKeyMaxInterval     = "maxInterval"
	cfgKeyMaxAttempts     = "maxAttempts"
)

// Config describes an exponential retry policy.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyInitialInterval, "50ms")
	dp.SetDefault(cfgKeyMaxInterval, "1s")
	dp.SetDefault(cfgKeyMaxAttempts, 5)
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.InitialInterval, err = dp.GetDuration(cfgKeyInitialInterval); err != nil {
		return err
	}
	if c.InitialInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyInitialInterval, fmt.Errorf("must be positive"))
	}
	if c.MaxInterval, err = dp.GetDuration(cfgKeyMaxInterval); err != nil {
		return err
	}
	if c.MaxAttempts, err = dp.GetInt(cfgKeyMaxAttempts); err != nil {
		return err
	}
	if c.MaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyMaxAttempts, fmt.Errorf("should be >= 0"))
	}
	return nil
}

// Policy builds the exponential policy described by the config.
func (c *Config) Policy() ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{InitialInterval: c.InitialInterval, MaxInterval: c.MaxInterval, MaxAttempts: c.MaxAttempts}
}
