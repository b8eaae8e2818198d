/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
)

// Register creates the built-in handlers from the configuration and registers them.
// The clock is used by the cleanup handler to compute file ages, nil means the system clock.
func Register(registry *jobqueue.Registry, cfg *Config, clock jobqueue.Clock, logger log.FieldLogger) error {
	if clock == nil {
		clock = jobqueue.SystemClock{}
	}
	root, err := NewStorageRoot(cfg.StorageRoot)
	if err != nil {
		return err
	}
	scanner, err := NewScanner(root, cfg.Signatures, cfg.ScannerMaxFileSize, logger.With(log.String("handler", TypeVirusScan)))
	if err != nil {
		return err
	}
	registry.Register(TypeFileCompression, NewCompressor(root, cfg.CompressionLevel, logger.With(log.String("handler", TypeFileCompression))))
	registry.Register(TypeCleanup, NewCleaner(root, clock, logger.With(log.String("handler", TypeCleanup))))
	registry.Register(TypeVirusScan, scanner)
	return nil
}
