package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

type sessionRepoStub struct {
	domain.SessionRepository
	deleteExpired func(ctx context.Context, now time.Time) (int64, error)
}

func (s *sessionRepoStub) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteExpired(ctx, now)
}

func TestMaintenanceSweep(t *testing.T) {
	var gotNow time.Time
	stub := &sessionRepoStub{deleteExpired: func(_ context.Context, now time.Time) (int64, error) {
		gotNow = now
		return 5, nil
	}}
	svc := postgres.NewMaintenanceService(stub)

	require.NoError(t, svc.Sweep(context.Background()))
	assert.WithinDuration(t, time.Now().UTC(), gotNow, 5*time.Second)
}

func TestMaintenanceSweepError(t *testing.T) {
	stub := &sessionRepoStub{deleteExpired: func(_ context.Context, _ time.Time) (int64, error) {
		return 0, assert.AnError
	}}
	svc := postgres.NewMaintenanceService(stub)

	err := svc.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=maintenance.sweep")
}

func TestMaintenanceRunPeriodicStopsOnContext(t *testing.T) {
	calls := make(chan struct{}, 10)
	stub := &sessionRepoStub{deleteExpired: func(_ context.Context, _ time.Time) (int64, error) {
		calls <- struct{}{}
		return 0, nil
	}}
	svc := postgres.NewMaintenanceService(stub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunPeriodic(ctx, 10*time.Millisecond)
		close(done)
	}()

	// Initial sweep plus at least one tick.
	<-calls
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a periodic sweep")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPeriodic did not stop")
	}
}
