/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/secureshare/secureshare/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyStore           = "store"
	cfgKeyMaxKeys         = "maxKeys"
	cfgKeyCleanupInterval = "cleanupInterval"
	cfgKeyRedisAddr       = "redis.addr"
	cfgKeyRedisPassword   = "redis.password"
	cfgKeyRedisDB         = "redis.db"
	cfgKeyRedisKeyPrefix  = "redis.keyPrefix"
	cfgKeyPolicies        = "policies"
)

// StoreType defines where counters live.
type StoreType string

// Store types.
const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// Alg defines the algorithm of a configured policy.
type Alg string

// Algorithms.
const (
	AlgFixedWindow Alg = "fixed_window"
	AlgGCRA        Alg = "gcra"
)

// PolicyConfig is a single entry of the "policies" list.
type PolicyConfig struct {
	Name   string              `mapstructure:"name"`
	Limit  int                 `mapstructure:"limit"`
	Window config.TimeDuration `mapstructure:"window"`
	Alg    Alg                 `mapstructure:"alg"`
	Burst  int                 `mapstructure:"burst"`
}

// Policy returns the policy described by the entry.
func (pc PolicyConfig) Policy() Policy {
	return Policy{Name: pc.Name, Limit: pc.Limit, Window: time.Duration(pc.Window)}
}

// RedisConfig describes the connection to Redis for StoreTypeRedis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Config represents a set of configuration parameters for rate limiting.
type Config struct {
	Store           StoreType
	MaxKeys         int
	CleanupInterval time.Duration
	Redis           RedisConfig
	Policies        []PolicyConfig

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// DefaultPolicies are used when the configuration doesn't define any.
var DefaultPolicies = []PolicyConfig{
	{Name: "login", Limit: 5, Window: config.TimeDuration(15 * time.Minute), Alg: AlgFixedWindow},
	{Name: "signup", Limit: 3, Window: config.TimeDuration(time.Hour), Alg: AlgFixedWindow},
	{Name: "upload", Limit: 20, Window: config.TimeDuration(time.Hour), Alg: AlgFixedWindow},
	{Name: "share-access", Limit: 30, Window: config.TimeDuration(time.Minute), Alg: AlgFixedWindow},
	{Name: "jobs-enqueue", Limit: 60, Window: config.TimeDuration(time.Minute), Alg: AlgFixedWindow},
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config with the given key prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStore, string(StoreTypeMemory))
	dp.SetDefault(cfgKeyMaxKeys, DefaultMemoryStoreMaxKeys)
	dp.SetDefault(cfgKeyCleanupInterval, "1m")
	dp.SetDefault(cfgKeyRedisAddr, "localhost:6379")
	dp.SetDefault(cfgKeyRedisDB, 0)
	dp.SetDefault(cfgKeyRedisKeyPrefix, "secureshare:ratelimit:")
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	storeType, err := dp.GetStringFromSet(cfgKeyStore, []string{string(StoreTypeMemory), string(StoreTypeRedis)}, false)
	if err != nil {
		return err
	}
	c.Store = StoreType(storeType)

	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.MaxKeys <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxKeys, fmt.Errorf("must be positive"))
	}
	if c.CleanupInterval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("must be positive"))
	}

	if c.Redis.Addr, err = dp.GetString(cfgKeyRedisAddr); err != nil {
		return err
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyRedisPassword); err != nil {
		return err
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}
	if c.Redis.KeyPrefix, err = dp.GetString(cfgKeyRedisKeyPrefix); err != nil {
		return err
	}

	return c.setPolicies(dp)
}

func (c *Config) setPolicies(dp config.DataProvider) error {
	c.Policies = nil
	if dp.IsSet(cfgKeyPolicies) {
		if err := dp.UnmarshalKey(cfgKeyPolicies, &c.Policies, config.WithHumanReadableHooks()); err != nil {
			return dp.WrapKeyErr(cfgKeyPolicies, err)
		}
	}
	if len(c.Policies) == 0 {
		c.Policies = append([]PolicyConfig(nil), DefaultPolicies...)
	}
	seen := make(map[string]struct{}, len(c.Policies))
	for i := range c.Policies {
		pc := &c.Policies[i]
		key := fmt.Sprintf("%s[%d]", cfgKeyPolicies, i)
		if pc.Name == "" {
			return dp.WrapKeyErr(key, fmt.Errorf("name is required"))
		}
		if _, dup := seen[pc.Name]; dup {
			return dp.WrapKeyErr(key, fmt.Errorf("duplicate policy %q", pc.Name))
		}
		seen[pc.Name] = struct{}{}
		if err := pc.Policy().Validate(); err != nil {
			return dp.WrapKeyErr(key, err)
		}
		pc.Alg = Alg(strings.ToLower(string(pc.Alg)))
		switch pc.Alg {
		case "":
			pc.Alg = AlgFixedWindow
		case AlgFixedWindow, AlgGCRA:
		default:
			return dp.WrapKeyErr(key, fmt.Errorf("unknown alg %q, choose one of [%s, %s]", pc.Alg, AlgFixedWindow, AlgGCRA))
		}
		if pc.Burst < 0 {
			return dp.WrapKeyErr(key, fmt.Errorf("burst should be >= 0"))
		}
	}
	return nil
}
