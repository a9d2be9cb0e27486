package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"DISABLED", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx2, id2 := WithRequestID(ctx, "fixed-id")
	assert.Equal(t, "fixed-id", id2)
	assert.Equal(t, "fixed-id", RequestID(ctx2))
}

func TestRequestIDMissing(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Empty(t, RequestID(nil))
}
