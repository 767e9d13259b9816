package log_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopplug/u3loop/internal/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", log.LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, log.ParseLevel(tt.in))
		})
	}
}

func TestRaise(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, log.Raise(slog.LevelInfo, 0))
	assert.Equal(t, slog.LevelDebug, log.Raise(slog.LevelInfo, 1))
	assert.Equal(t, log.LevelTrace, log.Raise(slog.LevelInfo, 2))
	assert.Equal(t, log.LevelTrace, log.Raise(slog.LevelInfo, 5))
	assert.Equal(t, slog.LevelInfo, log.Raise(slog.LevelError, 1))
}

func TestNewLoggerConsole(t *testing.T) {
	var console bytes.Buffer
	logger, closers, err := log.NewLogger(&console, slog.LevelDebug, "")
	require.NoError(t, err)
	assert.Empty(t, closers)

	logger.Debug("dbg")
	logger.Info("hello", "run", "abc")
	logger.Warn("careful")
	logger.Error("broken")
	logger.Log(context.Background(), log.LevelTrace, "hidden")

	out := console.String()
	assert.Contains(t, out, "msg=dbg")
	assert.Contains(t, out, "msg=hello run=abc")
	assert.Contains(t, out, "msg=careful")
	assert.Contains(t, out, "msg=broken")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u3loop.log")
	var console bytes.Buffer
	logger, closers, err := log.NewLogger(&console, slog.LevelInfo, path)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.With("run", "r1").Warn("unable to obtain error counters")
	logger.Debug("filtered")
	require.NoError(t, closers[0].Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="unable to obtain error counters" run=r1`)
	assert.NotContains(t, string(data), "filtered")
	assert.Contains(t, console.String(), "unable to obtain error counters")
}

func TestNewLoggerBadFile(t *testing.T) {
	_, _, err := log.NewLogger(io.Discard, slog.LevelInfo, filepath.Join(t.TempDir(), "missing", "u3loop.log"))
	assert.Error(t, err)
}

func TestSetupLoggerKeepsStdoutClean(t *testing.T) {
	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)
	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = stdout, stderr
	t.Cleanup(func() { os.Stdout, os.Stderr = origOut, origErr })

	logger, _, err := log.SetupLogger(slog.LevelDebug, "")
	require.NoError(t, err)
	logger.Info("waiting for device to re-enumerate")
	logger.Warn("transfer submit failed")
	logger.Error("device disconnected")
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())

	out, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	assert.Empty(t, out)
	errOut, err := os.ReadFile(stderr.Name())
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(errOut), "\n"))
	assert.Contains(t, string(errOut), "transfer submit failed")
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	raw := log.NewRaw(&buf)
	raw.Log(false, []byte{0x03, 0xc0})
	raw.Log(true, nil)
	raw.Log(true, []byte{0xff})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "H->D 2 bytes: 03 c0"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "D->H 1 bytes: ff"), lines[1])

	log.NewRaw(nil).Log(true, []byte{1})
}
