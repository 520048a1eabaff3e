package bms

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigDeliversReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_cells: 96\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan *ThresholdConfig, 1)
	go WatchConfig(ctx, path, updates, testLogger())

	// Give the watcher a moment to arm before rewriting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("num_cells: 24\nmax_cell_voltage: 4.25\n"), 0o644))

	select {
	case cfg := <-updates:
		assert.Equal(t, 24, cfg.NumCells)
		assert.Equal(t, 4.25, cfg.MaxCellVoltage)
	case <-time.After(5 * time.Second):
		t.Fatal("no config update delivered")
	}
}

func TestWatchConfigKeepsPreviousOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_cells: 96\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan *ThresholdConfig, 1)
	go WatchConfig(ctx, path, updates, testLogger())

	time.Sleep(50 * time.Millisecond)
	// Invalid config: rejected, nothing delivered.
	require.NoError(t, os.WriteFile(path, []byte("num_cells: 0\n"), 0o644))

	select {
	case cfg := <-updates:
		t.Fatalf("invalid config must not be delivered, got %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}

	// A valid rewrite afterwards comes through.
	require.NoError(t, os.WriteFile(path, []byte("num_cells: 48\n"), 0o644))
	select {
	case cfg := <-updates:
		assert.Equal(t, 48, cfg.NumCells)
	case <-time.After(5 * time.Second):
		t.Fatal("valid config update not delivered")
	}
}
