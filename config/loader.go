/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Loader fills Config objects from a DataProvider.
// Defaults of all configs are registered first, so one config may read a value that another one defaults.
type Loader struct {
	DataProvider DataProvider
}

// NewDefaultLoader creates a Loader over viper that also reads environment variables with the given prefix.
func NewDefaultLoader(envVarsPrefix string) *Loader {
	va := NewViperAdapter()
	va.UseEnvVars(envVarsPrefix)
	return NewLoader(va)
}

func NewLoader(dp DataProvider) *Loader {
	return &Loader{DataProvider: dp}
}

// Load uses only defaults and environment variables (if enabled).
func (l *Loader) Load(cfg Config, cfgs ...Config) error {
	return l.load(append([]Config{cfg}, cfgs...))
}

// LoadFromFile reads the file first. Values from the environment still take precedence.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return l.load(append([]Config{cfg}, cfgs...))
}

func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return fmt.Errorf("read %s config: %w", dataType, err)
	}
	return l.load(append([]Config{cfg}, cfgs...))
}

func (l *Loader) load(cfgs []Config) error {
	providers := make([]DataProvider, len(cfgs))
	for i, cfg := range cfgs {
		providers[i] = l.DataProvider
		if kp, ok := cfg.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
			providers[i] = NewKeyPrefixedDataProvider(l.DataProvider, kp.KeyPrefix())
		}
		cfg.SetProviderDefaults(providers[i])
	}
	for i, cfg := range cfgs {
		if err := cfg.Set(providers[i]); err != nil {
			return err
		}
	}
	return nil
}

// DataTypeFromPath guesses the data type by the file extension. YAML is used by default.
func DataTypeFromPath(path string) DataType {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DataTypeJSON
	}
	return DataTypeYAML
}
