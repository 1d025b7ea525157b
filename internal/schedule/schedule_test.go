package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amescornish/buttersync/internal/config"
)

func TestAddSkipsJobWithNoCronSpec(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context, *config.SyncJob) error { return nil })
	require.NoError(t, s.Add(t.Context(), &config.SyncJob{Name: "ondemand"}))
	assert.Equal(t, 0, s.Entries())
}

func TestAddRegistersJobWithCronSpec(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context, *config.SyncJob) error { return nil })
	require.NoError(t, s.Add(t.Context(), &config.SyncJob{Name: "nightly", Cron: "@every 1h"}))
	assert.Equal(t, 1, s.Entries())
}

func TestAddRejectsMalformedCronSpec(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context, *config.SyncJob) error { return nil })
	err := s.Add(t.Context(), &config.SyncJob{Name: "bad", Cron: "not a cron spec"})
	assert.Error(t, err)
}

func TestScheduledJobRuns(t *testing.T) {
	var runs atomic.Int32
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context, *config.SyncJob) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.Add(t.Context(), &config.SyncJob{Name: "fast", Cron: "@every 10ms"}))

	s.Start()
	defer s.Stop(t.Context())

	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
}
