package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andy963/ads/config"
	"github.com/Andy963/ads/task"
)

func testDaemonConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Agents = []config.AgentConfig{
		{Kind: "codex", Provider: "mock"},
		{Kind: "claude", Provider: "mock"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuild_RunsTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := build(ctx, testDaemonConfig(t), logger)
	require.NoError(t, err)
	require.NoError(t, d.start(ctx))
	defer func() { assert.NoError(t, d.shutdown(5*time.Second)) }()

	created, err := d.store.Create(ctx, task.CreateInput{Title: "T", Prompt: "P", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	d.queue.NotifyNewTask()

	require.Eventually(t, func() bool {
		got, err := d.store.Get(ctx, created.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := d.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "claude", got.AgentID)
	assert.NotEmpty(t, got.Result)

	assert.FileExists(t, filepath.Join(d.cfg.DataDir, "ads.db"))

	families, err := d.registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["ads_queue_running"], "queue metrics registered")
	assert.True(t, names["go_goroutines"], "runtime metrics registered")
}

func TestBuild_QueueDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testDaemonConfig(t)
	cfg.Queue.Enabled = false

	d, err := build(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, d.start(ctx))
	defer func() { assert.NoError(t, d.shutdown(time.Second)) }()

	assert.False(t, d.queue.State().Running)
}

func TestBuild_RejectsUnknownProvider(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Agents = []config.AgentConfig{{Kind: "codex", Provider: "llama"}}

	_, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unknown provider")
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ads.yaml")

	cfg, err := loadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = loadConfig(missing, true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
