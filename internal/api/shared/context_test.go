package shared

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceID(t *testing.T) {
	tests := []struct {
		name     string
		supplied string
		keep     bool
	}{
		{name: "caller supplied", supplied: "abc-123", keep: true},
		{name: "empty generates", supplied: ""},
		{name: "oversized replaced", supplied: strings.Repeat("x", maxTraceIDLength+1)},
		{name: "max length kept", supplied: strings.Repeat("y", maxTraceIDLength), keep: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := WithTraceID(context.Background(), tc.supplied)
			got := GetTraceID(ctx)

			if tc.keep {
				assert.Equal(t, tc.supplied, got)
				return
			}
			_, err := uuid.Parse(got)
			require.NoError(t, err, "generated trace ID should be a UUID")
		})
	}
}

func TestGetTraceID_Missing(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))

	ctx := context.WithValue(context.Background(), TraceIDKey, 123)
	assert.Empty(t, GetTraceID(ctx), "non-string values are ignored")
}

func TestNewTraceID_Unique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		assert.False(t, seen[id], "duplicate trace ID %s", id)
		seen[id] = true
	}
}
