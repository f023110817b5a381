package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug", "json")
	logger.WithField("page_id", "p1").Debug("page moved")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "page moved", line["msg"])
	assert.Equal(t, "p1", line["page_id"])
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, "loud", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestContextRoundTrip(t *testing.T) {
	entry := Discard().WithField("request_id", "abc")
	ctx := WithEntry(context.Background(), entry)
	assert.Same(t, entry, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
