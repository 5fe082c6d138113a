package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithLevel(LevelTrace), WithWriter(&buf))
	l.Log(context.Background(), LevelTrace, "frame")
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "msg=frame")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.Debug("hidden")
	assert.Empty(t, buf.String())
	l.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestJSONSourceBasename(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithJSON(true), WithSource(), WithWriter(&buf))
	l.Warn("x", slog.Int("n", 3))
	var rec struct {
		Level  string `json:"level"`
		N      int    `json:"n"`
		Source struct {
			File string `json:"file"`
		} `json:"source"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec.Level)
	assert.Equal(t, 3, rec.N)
	assert.Equal(t, "logging_test.go", rec.Source.File)
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)

	isJSON, err := ParseFormat("json")
	require.NoError(t, err)
	assert.True(t, isJSON)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
