package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry"
	"github.com/gantryio/gantry/pkg/log"
)

func TestNewUsesInfoLevel(t *testing.T) {
	logger := log.New("gantry", "dev", "0.1.0")
	ctx := context.Background()

	assert.False(t, logger.Handler().Enabled(ctx, slog.LevelDebug))
	assert.True(t, logger.Handler().Enabled(ctx, slog.LevelInfo))
}

func TestNewWithLevelOutputsBaseAttrs(t *testing.T) {
	output := captureStdout(t, func() {
		logger := log.NewWithLevel("gantry-engine", "prod", "0.3.0", slog.LevelDebug)
		logger.Info("engine ready", slog.Int("workers", 4))
	})

	var got map[string]any
	assert.NoError(t, json.Unmarshal(output, &got))

	assertAttr(t, got, "service", "gantry-engine")
	assertAttr(t, got, "env", "prod")
	assertAttr(t, got, "version", "0.3.0")
	assertAttr(t, got, "workers", float64(4))
}

func TestNewDefaultsIdentity(t *testing.T) {
	output := captureStdout(t, func() {
		logger := log.NewWithLevel("", "test", "", slog.LevelInfo)
		logger.Info("defaults")
	})

	var got map[string]any
	assert.NoError(t, json.Unmarshal(output, &got))

	assertAttr(t, got, "service", gantry.Name)
	assertAttr(t, got, "version", gantry.Version)
}

func captureStdout(t *testing.T, fn func()) []byte {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe creation failed: %v", err)
	}
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("failed to read captured output: %v", err)
	}
	_ = r.Close()
	return bytes.TrimSpace(buf.Bytes())
}

func assertAttr(t *testing.T, got map[string]any, key string, expected any) {
	t.Helper()
	val, ok := got[key]
	assert.True(t, ok)
	assert.Equal(t, expected, val)
}
