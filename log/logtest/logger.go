/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"io"
	"os"
	"sync"

	"github.com/ssgreg/logf"

	"github.com/secureshare/secureshare/log"
)

// syncWriter encodes every entry synchronously. Slow, but output never interleaves with test output.
type syncWriter struct {
	mu      sync.Mutex
	encoder logf.Encoder
	output  io.Writer
}

//nolint:gocritic
func (w *syncWriter) WriteEntry(e logf.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buf logf.Buffer
	if err := w.encoder.Encode(&buf, e); err != nil {
		_, _ = io.WriteString(w.output, err.Error()+"\n")
		return
	}
	_, _ = w.output.Write(buf.Data)
}

// NewLogger returns a debug-level JSON logger writing to stderr. Use it in tests only.
func NewLogger() log.FieldLogger {
	return NewLoggerWithWriter(os.Stderr)
}

// NewLoggerWithWriter returns a debug-level JSON logger writing to w.
func NewLoggerWithWriter(w io.Writer) log.FieldLogger {
	enc := logf.NewJSONEncoder(logf.JSONEncoderConfig{
		EncodeTime:   logf.RFC3339NanoTimeEncoder,
		FieldKeyTime: "time",
	})
	return &log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, &syncWriter{encoder: enc, output: w})}
}
