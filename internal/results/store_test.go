package results_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopplug/u3loop/internal/results"
	"github.com/loopplug/u3loop/internal/stats"
)

func openStore(t *testing.T) *results.Store {
	t.Helper()
	s, err := results.Open(filepath.Join(t.TempDir(), "history.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rep := stats.Report{
		Duration:     10 * time.Second,
		Ops:          42,
		Bytes:        stats.DirCount{Tx: 1000, Rx: 900},
		AvgMbps:      12.5,
		OpsPerSec:    4.2,
		HostErrors:   stats.HostErrors{DataCorrupt: 1, Stall: stats.DirCount{Rx: 2}},
		DeviceErrors: stats.DeviceErrors{PhyCount: 3, PhyMask: 0x05, LinkCount: 1, LinkMask: 0x100},
		Latency:      stats.Latency{Count: 42, P99: 1500 * time.Microsecond},
	}
	loop := results.FromReport(rep)
	loop.ID = uuid.New()
	loop.Tool, loop.Device, loop.Serial, loop.Mode, loop.BlockSize = "loop", "0403:ff0b", "SN1", "loopback", 0x10000
	loop.CreatedAt = base

	id, err := s.Save(ctx, loop)
	require.NoError(t, err)
	assert.Equal(t, loop.ID, id)

	bench := results.Run{Tool: "bench", Device: "04b4:00f1", Mode: "read", CreatedAt: base.Add(time.Minute)}
	benchID, err := s.Save(ctx, bench)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, benchID)

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, benchID, all[0].ID, "newest first")

	got := all[1]
	assert.Equal(t, loop.ID, got.ID)
	assert.Equal(t, "SN1", got.Serial)
	assert.Equal(t, 10*time.Second, got.Duration)
	assert.Equal(t, uint64(42), got.Ops)
	assert.Equal(t, uint64(3), got.HostErrors)
	assert.Equal(t, uint32(0x05), got.PhyMask)
	assert.Equal(t, uint32(0x100), got.LinkMask)
	assert.Equal(t, int64(1500), got.LatencyP99Micro)
	assert.InDelta(t, 12.5, got.AvgMbps, 1e-9)
	assert.True(t, base.Equal(got.CreatedAt))

	loops, err := s.Recent(ctx, "loop", 10)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, loop.ID, loops[0].ID)

	one, err := s.Recent(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSaveDuplicateID(t *testing.T) {
	s := openStore(t)
	r := results.Run{ID: uuid.New(), Tool: "bench", Device: "0403:ff0b"}
	_, err := s.Save(context.Background(), r)
	require.NoError(t, err)
	_, err = s.Save(context.Background(), r)
	assert.Error(t, err)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := results.Open(path, logger)
	require.NoError(t, err)
	_, err = s.Save(context.Background(), results.Run{Tool: "loop", Device: "0403:ff0b"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = results.Open(path, logger)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
