package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"possync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = config.AppConfig{Name: "possync-test", Environment: "test", Version: "1.0.0"}

func TestNewOutputs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr string
	}{
		{name: "Defaults", cfg: config.LoggingConfig{}},
		{name: "Stderr", cfg: config.LoggingConfig{Level: "debug", Output: "stderr"}},
		{name: "Console", cfg: config.LoggingConfig{Level: "warn", Output: "stdout", Format: "console"}},
		{name: "FileMissingPath", cfg: config.LoggingConfig{Output: "file"}, wantErr: "file_path"},
		{name: "UnknownOutput", cfg: config.LoggingConfig{Output: "syslog"}, wantErr: "logging.output"},
		{name: "UnknownFormat", cfg: config.LoggingConfig{Format: "logfmt"}, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := New(tt.cfg, testApp)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.Nil(t, closer)
		})
	}
}

func TestNewFileWritesTaggedJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "possync.log")
	logger, closer, err := New(config.LoggingConfig{Level: "info", Output: "file", FilePath: logPath}, testApp)
	require.NoError(t, err)
	require.NotNil(t, closer)

	Component(logger, "queue").Info().Str("id", "op-1").Msg("Operation queued")
	logger.Debug().Msg("filtered out")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "possync-test", record["app"])
	assert.Equal(t, "test", record["env"])
	assert.Equal(t, "queue", record["component"])
	assert.Equal(t, "op-1", record["id"])
	assert.Equal(t, "Operation queued", record["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("invalid"))
}

func TestComponentNilParent(t *testing.T) {
	logger := Component(nil, "queue")
	require.NotNil(t, logger)
	assert.Equal(t, zerolog.Disabled, logger.GetLevel())
}
