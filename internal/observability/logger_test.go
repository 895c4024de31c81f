package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitializeJSONLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "relaygraph-test"}, zapcore.AddSync(&buf))
	GetLogger().Named("repair").Debug("repair complete", zap.String("graph_id", "acme"))
	Sync()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "relaygraph-test.repair", entry["logger"])
	assert.Equal(t, "acme", entry["graph_id"])
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "debug", Format: "json"}, zapcore.AddSync(&second))

	GetLogger().Info("filtered out")
	GetLogger().Warn("kept")
	Sync()
	assert.NotContains(t, first.String(), "filtered out")
	assert.Contains(t, first.String(), "kept")
	assert.Empty(t, second.String())
}

func TestInitializeWritesRotatedFile(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	path := filepath.Join(t.TempDir(), "relaygraph.log")
	var console bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&console))
	GetLogger().Info("scan complete", zap.Int("orphans", 3))
	Sync()

	assert.Contains(t, console.String(), "scan complete")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"), "file output is JSON: %s", line)
	assert.Contains(t, line, `"orphans":3`)
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	assert.NotNil(t, GetLogger())
}
