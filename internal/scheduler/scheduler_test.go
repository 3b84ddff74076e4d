package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	calls   int
	removed int64
	err     error
}

func (f *fakeCleaner) CleanupExpired(ctx context.Context) (int64, error) {
	f.calls++
	return f.removed, f.err
}

func TestRunCleanup(t *testing.T) {
	cleaner := &fakeCleaner{removed: 3}
	s, err := NewScheduler(cleaner)
	require.NoError(t, err)

	s.runCleanup()
	assert.Equal(t, 1, cleaner.calls)
}

func TestRunCleanupSurvivesError(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("db down")}
	s, err := NewScheduler(cleaner)
	require.NoError(t, err)

	s.runCleanup()
	assert.Equal(t, 1, cleaner.calls)
}

func TestStartStop(t *testing.T) {
	s, err := NewScheduler(&fakeCleaner{})
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
