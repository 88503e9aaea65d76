package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

var _ aitutor.Logger = (*Logger)(nil)

func decode(t *testing.T, output *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &entry))
	return entry
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := bytes.Buffer{}
			tt.log(NewLogger(zerolog.New(&output)))

			entry := decode(t, &output)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Warn("dispatch failed",
		aitutor.Field{Key: "feature", Value: aitutor.FeatureStudyPlan},
		aitutor.Field{Key: "code", Value: aitutor.CodeNetworkError},
		aitutor.ErrField(errors.New("connection reset")),
		aitutor.Field{Key: "attempt", Value: 2},
	)

	entry := decode(t, &output)
	assert.Equal(t, "study_plan", entry["feature"])
	assert.Equal(t, "NETWORK_ERROR", entry["code"])
	assert.Equal(t, "connection reset", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
}
