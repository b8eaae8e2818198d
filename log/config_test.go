/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/config"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewConfig()
		require.NoError(t, config.NewLoader(config.NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(`{}`), config.DataTypeJSON, cfg))
		require.Equal(t, LevelInfo, cfg.Level)
		require.Equal(t, FormatJSON, cfg.Format)
		require.Equal(t, OutputStdout, cfg.Output)
		require.Equal(t, DefaultFileRotationMaxSize, cfg.File.MaxSize)
		require.Equal(t, DefaultFileRotationMaxBackups, cfg.File.MaxBackups)
		require.Equal(t, "_verbose", cfg.Error.VerboseSuffix)
	})

	t.Run("custom values", func(t *testing.T) {
		cfg := NewConfig()
		yamlData := `
log:
  level: DEBUG
  format: text
  output: file
  file:
    path: /var/log/secureshare-{{pid}}.log
    rotation:
      maxSize: 10M
      maxBackups: 3
`
		require.NoError(t, config.NewLoader(config.NewViperAdapter()).LoadFromReader(
			bytes.NewBufferString(yamlData), config.DataTypeYAML, cfg))
		require.Equal(t, LevelDebug, cfg.Level)
		require.Equal(t, FormatText, cfg.Format)
		require.Equal(t, OutputFile, cfg.Output)
		require.Equal(t, config.ByteSize(10*1024*1024), cfg.File.MaxSize)
		require.Equal(t, 3, cfg.File.MaxBackups)
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name   string
			data   string
			errStr string
		}{
			{name: "unknown level", data: `{"log":{"level":"trace"}}`, errStr: "log.level"},
			{name: "file output without path", data: `{"log":{"output":"file"}}`, errStr: "log.file.path"},
			{name: "too small rotation size", data: `{"log":{"file":{"rotation":{"maxSize":"1K"}}}}`, errStr: "log.file.rotation.maxSize"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
					bytes.NewBufferString(tt.data), config.DataTypeJSON, NewConfig())
				require.ErrorContains(t, err, tt.errStr)
			})
		}
	})
}

func TestNewLoggerWithWriter(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	logger, closeFn := NewLoggerWithWriter(cfg, &buf)
	logger.Debug("hidden")
	logger.Info("job enqueued", String("job_id", "abc"))
	closeFn()

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"job enqueued"`)
	require.Contains(t, buf.String(), `"job_id":"abc"`)
}
