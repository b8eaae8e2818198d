/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/secureshare/secureshare/config"
)

const cfgDefaultKeyPrefix = "jobHandlers"

const (
	cfgKeyStorageRoot        = "storageRoot"
	cfgKeyCompressionLevel   = "compression.level"
	cfgKeyScannerSignatures  = "scanner.signatures"
	cfgKeyScannerMaxFileSize = "scanner.maxFileSize"
)

// Config represents a set of configuration parameters for the built-in job handlers.
type Config struct {
	StorageRoot      string
	CompressionLevel int
	// Signatures are in the ParseSignature format.
	Signatures         []Signature
	ScannerMaxFileSize config.ByteSize

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
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStorageRoot, "./data")
	dp.SetDefault(cfgKeyCompressionLevel, gzip.DefaultCompression)
	dp.SetDefault(cfgKeyScannerSignatures, []string{"EICAR-Test-File=" + EICARSignature})
	dp.SetDefault(cfgKeyScannerMaxFileSize, "1G")
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.StorageRoot, err = dp.GetString(cfgKeyStorageRoot); err != nil {
		return err
	}
	if c.StorageRoot == "" {
		return dp.WrapKeyErr(cfgKeyStorageRoot, fmt.Errorf("cannot be empty"))
	}

	if c.CompressionLevel, err = dp.GetInt(cfgKeyCompressionLevel); err != nil {
		return err
	}
	if c.CompressionLevel == gzip.DefaultCompression {
		c.CompressionLevel = 6
	}
	if c.CompressionLevel < gzip.BestSpeed || c.CompressionLevel > gzip.BestCompression {
		return dp.WrapKeyErr(cfgKeyCompressionLevel, fmt.Errorf("should be in range [%d, %d]", gzip.BestSpeed, gzip.BestCompression))
	}

	rawSignatures, err := dp.GetStringSlice(cfgKeyScannerSignatures)
	if err != nil {
		return err
	}
	if len(rawSignatures) == 0 {
		return dp.WrapKeyErr(cfgKeyScannerSignatures, fmt.Errorf("at least one signature is required"))
	}
	c.Signatures = make([]Signature, 0, len(rawSignatures))
	for _, raw := range rawSignatures {
		sig, parseErr := ParseSignature(raw)
		if parseErr != nil {
			return dp.WrapKeyErr(cfgKeyScannerSignatures, parseErr)
		}
		c.Signatures = append(c.Signatures, sig)
	}

	if c.ScannerMaxFileSize, err = dp.GetByteSize(cfgKeyScannerMaxFileSize); err != nil {
		return err
	}
	return nil
}
