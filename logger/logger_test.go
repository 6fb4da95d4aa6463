package logger_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alexhholmes/graphstore"
	"github.com/alexhholmes/graphstore/logger"
)

var (
	_ graphstore.Logger = (*logger.Zap)(nil)
	_ graphstore.Logger = (*logger.Logrus)(nil)
)

func TestZap(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	l := logger.NewZap(zap.New(core))

	l.Info("checkpoint", "pages", 12)
	l.Warn("reader stalled", "age", "31s")
	l.Error("fsync failed")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "checkpoint", entries[0].Message)
	assert.Equal(t, int64(12), entries[0].ContextMap()["pages"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestLogrus(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lr := logrus.New()
	lr.SetOutput(&buf)
	lr.SetFormatter(&logrus.JSONFormatter{})

	logger.NewLogrus(lr).Warn("reader stalled", "slot", 3, "dangling")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reader stalled", entry["msg"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, float64(3), entry["slot"])
	assert.Equal(t, "dangling", entry["!BADKEY"])
}

func TestFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "graph.log")
	l := logger.NewFile(logger.FileConfig{Path: path, Level: "warn"})

	l.Info("dropped")
	l.Warn("kept", "lsn", 7)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, float64(7), entry["lsn"])
}
