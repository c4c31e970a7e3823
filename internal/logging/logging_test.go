package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCEFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "gce")

	logger.WithFields(logrus.Fields{"space": "spaces/A", "err": errors.New("boom")}).Warn("send failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARNING", line["severity"])
	assert.Equal(t, "send failed", line["message"])
	assert.Equal(t, "spaces/A", line["space"])
	assert.Equal(t, "boom", line["err"])
	assert.NotEmpty(t, line["time"])
}

func TestLevelFallback(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "verbose", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	logger = NewWithWriter(&bytes.Buffer{}, "error", "text")
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "gce")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
}
