/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is a DataProvider backed by a dedicated viper instance.
// Values are converted with spf13/cast, and conversion errors carry the key.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter creates a new ViperAdapter.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars makes every key overridable by an environment variable:
// with prefix "SECURESHARE", jobQueue.concurrency is read from SECURESHARE_JOBQUEUE_CONCURRENCY.
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.SetEnvPrefix(prefix)
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.AutomaticEnv()
}

func (va *ViperAdapter) Set(key string, value interface{}) {
	va.viper.Set(key, value)
}

// SetDefault sets the value used when neither the file nor the environment has one.
func (va *ViperAdapter) SetDefault(key string, value interface{}) {
	va.viper.SetDefault(key, value)
}

func (va *ViperAdapter) IsSet(key string) bool {
	return va.viper.IsSet(key)
}

func (va *ViperAdapter) Get(key string) interface{} {
	return va.viper.Get(key)
}

// SetFromFile reads the whole file. A missing file is an error.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	return va.viper.ReadInConfig()
}

func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	return va.viper.ReadConfig(reader)
}

// getAs converts the value of key with castFn. An absent key gives the zero value.
func getAs[T any](va *ViperAdapter, key string, castFn func(interface{}) (T, error)) (T, error) {
	var zero T
	val := va.Get(key)
	if val == nil {
		return zero, nil
	}
	res, err := castFn(val)
	if err != nil {
		return zero, WrapKeyErr(key, err)
	}
	return res, nil
}

func (va *ViperAdapter) GetInt(key string) (int, error) {
	return getAs(va, key, cast.ToIntE)
}

func (va *ViperAdapter) GetString(key string) (string, error) {
	return getAs(va, key, cast.ToStringE)
}

func (va *ViperAdapter) GetBool(key string) (bool, error) {
	return getAs(va, key, cast.ToBoolE)
}

func (va *ViperAdapter) GetStringSlice(key string) ([]string, error) {
	return getAs(va, key, cast.ToStringSliceE)
}

// GetDuration accepts duration strings ("1h30m") and integer nanoseconds.
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	return getAs(va, key, cast.ToDurationE)
}

// GetStringFromSet returns the string value of key if it is one of set.
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", err
	}
	for _, s := range set {
		if str == s || (ignoreCase && strings.EqualFold(str, s)) {
			return str, nil
		}
	}
	return "", WrapKeyErr(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// GetByteSize accepts integers (bytes) and human-readable strings ("10M", "512Ki").
func (va *ViperAdapter) GetByteSize(key string) (ByteSize, error) {
	return getAs(va, key, func(val interface{}) (ByteSize, error) {
		switch v := val.(type) {
		case ByteSize:
			return v, nil
		case string:
			return parseByteSizeFromString(v)
		}
		num, err := cast.ToInt64E(val)
		if err != nil {
			return 0, err
		}
		if num < 0 {
			return 0, fmt.Errorf("negative value is not allowed: %d", num)
		}
		return ByteSize(num), nil
	})
}

// UnmarshalKey decodes the subtree under key into rawVal with mapstructure.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	viperOpts := make([]viper.DecoderConfigOption, 0, len(opts))
	for _, opt := range opts {
		viperOpts = append(viperOpts, viper.DecoderConfigOption(opt))
	}
	if err := va.viper.UnmarshalKey(key, rawVal, viperOpts...); err != nil {
		return WrapKeyErr(key, err)
	}
	return nil
}

func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}

// AllSettings returns all values, defaults included, as a nested map with lower-cased keys.
func (va *ViperAdapter) AllSettings() map[string]interface{} {
	return va.viper.AllSettings()
}
