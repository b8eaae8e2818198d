/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/klauspost/compress/gzip"

	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
)

// CompressionPayload is the payload of "file-compression" jobs.
type CompressionPayload struct {
	Path string `json:"path"`
	// Level is a gzip compression level (1-9), zero means the configured default.
	Level        int  `json:"level,omitempty"`
	RemoveSource bool `json:"removeSource,omitempty"`
}

// CompressionResult is the result of "file-compression" jobs.
type CompressionResult struct {
	Output         string  `json:"output"`
	OriginalSize   int64   `json:"originalSize"`
	CompressedSize int64   `json:"compressedSize"`
	Ratio          float64 `json:"ratio"`
	Saved          string  `json:"saved"`
}

// Compressor gzips a stored file to "<path>.gz" next to it.
type Compressor struct {
	root         *StorageRoot
	defaultLevel int
	logger       log.FieldLogger
}

var _ jobqueue.Handler = (*Compressor)(nil)

// NewCompressor creates a new Compressor.
func NewCompressor(root *StorageRoot, defaultLevel int, logger log.FieldLogger) *Compressor {
	return &Compressor{root: root, defaultLevel: defaultLevel, logger: logger}
}

// Handle compresses the file described by the job payload.
func (c *Compressor) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var payload CompressionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	level := payload.Level
	if level == 0 {
		level = c.defaultLevel
	}
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		return nil, fmt.Errorf("compression level %d is out of range [%d, %d]", level, gzip.BestSpeed, gzip.BestCompression)
	}
	srcPath, err := c.root.Resolve(payload.Path)
	if err != nil {
		return nil, err
	}
	dstPath := srcPath + ".gz"

	originalSize, compressedSize, err := compressFile(ctx, srcPath, dstPath, level)
	if err != nil {
		return nil, err
	}
	if payload.RemoveSource {
		if err = os.Remove(srcPath); err != nil {
			return nil, fmt.Errorf("remove source file: %w", err)
		}
	}

	res := CompressionResult{
		Output:         c.root.Rel(dstPath),
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
	}
	if originalSize > 0 {
		res.Ratio = float64(compressedSize) / float64(originalSize)
	}
	if compressedSize < originalSize {
		res.Saved = bytefmt.ByteSize(uint64(originalSize - compressedSize))
	} else {
		res.Saved = bytefmt.ByteSize(0)
	}
	c.logger.Info("file compressed", log.String("path", payload.Path), log.Int64("original_size", originalSize),
		log.Int64("compressed_size", compressedSize))
	return json.Marshal(res)
}

func compressFile(ctx context.Context, srcPath, dstPath string, level int) (originalSize, compressedSize int64, err error) {
	src, err := os.Open(srcPath) // nolint:gosec // path is confined to the storage root
	if err != nil {
		return 0, 0, err
	}
	defer src.Close() // nolint: errcheck

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, level)
	if err != nil {
		return 0, 0, err
	}
	zw.Name = filepath.Base(srcPath)
	if originalSize, err = io.Copy(zw, ctxReader{ctx: ctx, r: src}); err != nil {
		return 0, 0, fmt.Errorf("compress: %w", err)
	}
	if err = zw.Close(); err != nil {
		return 0, 0, err
	}
	if err = tmp.Sync(); err != nil {
		return 0, 0, err
	}
	fi, err := tmp.Stat()
	if err != nil {
		return 0, 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, 0, err
	}
	if err = os.Rename(tmp.Name(), dstPath); err != nil {
		return 0, 0, err
	}
	return originalSize, fi.Size(), nil
}
