package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent_JSONFields(t *testing.T) {
	l := newLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)

	l.WithComponent("ingestor").WithFields(Fields{"batch_id": "B1"}).Info("chunk stored")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ingestor", line["component"])
	assert.Equal(t, "B1", line["batch_id"])
	assert.Equal(t, "chunk stored", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestConfigure(t *testing.T) {
	l := newLogger()

	require.NoError(t, l.Configure("debug", "text", "stderr", 0))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	assert.Error(t, l.Configure("loud", "json", "stdout", 0))
	assert.Error(t, l.Configure("info", "xml", "stdout", 0))

	require.NoError(t, l.Configure("warn", "json", filepath.Join(t.TempDir(), "app.log"), 7))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
}
