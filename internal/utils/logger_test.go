package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info", "json").With("request_id", "req-1")

	ctx := WithLogger(WithRequestID(context.Background(), "req-1"), logger)
	LoggerFrom(ctx).Info("bid submitted", "bid_id", "b1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "b1", record["bid_id"])
	assert.Equal(t, "req-1", RequestIDFrom(ctx))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "text")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerFromEmptyContext(t *testing.T) {
	assert.NotNil(t, LoggerFrom(context.Background()))
	assert.Empty(t, RequestIDFrom(context.Background()))
}
