package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New("warn", "json", path)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.String("run_id", "run_1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "run_1", entry["run_id"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New("loud", "json", "stdout")
	assert.Error(t, err)

	_, err = New("info", "console", filepath.Join(t.TempDir(), "missing", "app.log"))
	assert.Error(t, err)
}

func TestNew_DefaultLevel(t *testing.T) {
	log, err := New("", "console", "stderr")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}
