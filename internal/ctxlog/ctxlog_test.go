package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Run("returns embedded logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		ctx := WithLogger(context.Background(), logger)

		FromContext(ctx).Info("hello", "k", "v")
		assert.Contains(t, buf.String(), "hello")
		assert.Contains(t, buf.String(), "k=v")
	})

	t.Run("falls back to a discarding logger", func(t *testing.T) {
		logger := FromContext(context.Background())
		require.NotNil(t, logger)
		logger.Info("goes nowhere")
	})

	t.Run("with adds attributes", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
		ctx = With(ctx, "opID", "42")

		FromContext(ctx).Warn("scoped")
		assert.Contains(t, buf.String(), "opID=42")
	})
}
