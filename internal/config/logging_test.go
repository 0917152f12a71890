package config

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"  TRACE ", LevelTrace, false},
		{"Debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseLogLevel(%q)", tt.in)
			continue
		}
		assert.NoError(t, err, "ParseLogLevel(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseLogLevel(%q)", tt.in)
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       LevelTrace,
		ReplaceAttr: ReplaceLogLevelNames,
	}))
	logger.Log(context.Background(), LevelTrace, "link sample")
	logger.Debug("retry")

	out := buf.String()
	assert.Contains(t, out, "level=TRACE", "trace line not renamed")
	assert.Contains(t, out, "level=DEBUG", "debug line altered")
}
