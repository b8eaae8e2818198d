/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads component configuration from YAML/JSON files and environment variables.
//
// Every component of the service describes its own configuration with a type that implements Config.
// Loader feeds defaults into a DataProvider first and then lets each Config read and validate its values.
package config

// Config is a common interface for configuration objects that may be used by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is an interface for providing key prefix that will be used for configuration parameters.
type KeyPrefixProvider interface {
	KeyPrefix() string
}
