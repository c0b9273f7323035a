package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	entry := New().WithComponent("settlement")
	assert.Equal(t, "settlement", entry.Entry.Data["component"])
}

func TestConfigure(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	t.Run("should reject an unknown level", func(t *testing.T) {
		assert.Error(t, New().Configure("loud", "json", "stdout", 0))
	})

	t.Run("should reject an unknown format", func(t *testing.T) {
		assert.Error(t, New().Configure("info", "xml", "stdout", 0))
	})

	t.Run("should let LOG_LEVEL override the configured level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")
		l := New()
		require.NoError(t, l.Configure("warn", "text", "stderr", 0))
		assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	})

	t.Run("should write to a file path", func(t *testing.T) {
		l := New()
		path := filepath.Join(t.TempDir(), "lifecycle.log")
		require.NoError(t, l.Configure("info", "json", path, 0))
		l.Info("hello")
		assert.FileExists(t, path)
	})

	t.Run("should rotate files when max age is set", func(t *testing.T) {
		l := New()
		path := filepath.Join(t.TempDir(), "rotated.log")
		require.NoError(t, l.Configure("info", "json", path, 7))
		_, ok := l.Out.(interface{ Rotate() error })
		assert.True(t, ok)
	})
}

func TestJSONFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)

	LogDuration(l.WithComponent("reaper"), "sweep", time.Now(), Fields{"node_id": "n1"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "reaper", line["component"])
	assert.Equal(t, "sweep", line["operation"])
	assert.Equal(t, "n1", line["node_id"])
	assert.Contains(t, line, "timestamp")
	assert.Contains(t, line, "duration_ms")
}
