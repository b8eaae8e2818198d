/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/vasayxtx/go-glob"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
)

// CleanupPayload is the payload of "cleanup" jobs.
type CleanupPayload struct {
	Dir    string              `json:"dir"`
	MaxAge config.TimeDuration `json:"maxAge"`
	// Patterns are matched against file names, "*" matches any sequence of characters.
	Patterns []string `json:"patterns"`
}

// CleanupResult is the result of "cleanup" jobs.
type CleanupResult struct {
	Removed    int    `json:"removed"`
	Freed      int64  `json:"freed"`
	FreedHuman string `json:"freedHuman"`
}

// Cleaner removes files older than MaxAge whose names match any of the patterns.
type Cleaner struct {
	root   *StorageRoot
	clock  jobqueue.Clock
	logger log.FieldLogger
}

var _ jobqueue.Handler = (*Cleaner)(nil)

// NewCleaner creates a new Cleaner. The clock is used to compute file ages.
func NewCleaner(root *StorageRoot, clock jobqueue.Clock, logger log.FieldLogger) *Cleaner {
	return &Cleaner{root: root, clock: clock, logger: logger}
}

// Handle walks the directory from the job payload and removes stale files.
func (c *Cleaner) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var payload CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if payload.MaxAge <= 0 {
		return nil, fmt.Errorf("maxAge must be positive")
	}
	if len(payload.Patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}
	matchers := make([]func(s string) bool, 0, len(payload.Patterns))
	for _, pattern := range payload.Patterns {
		matchers = append(matchers, glob.Compile(pattern))
	}
	dir, err := c.root.Resolve(payload.Dir)
	if err != nil {
		return nil, err
	}

	threshold := c.clock.Now().Add(-time.Duration(payload.MaxAge))
	var res CleanupResult
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() || !matchAny(matchers, d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if fi.ModTime().After(threshold) {
			return nil
		}
		if err = os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		res.Removed++
		res.Freed += fi.Size()
		c.logger.Debug("stale file removed", log.String("path", c.root.Rel(path)))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("clean %q: %w", payload.Dir, walkErr)
	}
	res.FreedHuman = bytefmt.ByteSize(uint64(res.Freed)) //nolint:gosec // sizes are not negative
	c.logger.Info("cleanup finished", log.String("dir", payload.Dir), log.Int("removed", res.Removed),
		log.String("freed", res.FreedHuman))
	return json.Marshal(res)
}

func matchAny(matchers []func(s string) bool, name string) bool {
	for _, match := range matchers {
		if match(name) {
			return true
		}
	}
	return false
}
