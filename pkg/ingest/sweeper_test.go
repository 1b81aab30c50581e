package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/fyrsmithlabs/ingestd/internal/identity"
	"github.com/fyrsmithlabs/ingestd/internal/ledger"
	"github.com/fyrsmithlabs/ingestd/pkg/ingest"
)

func TestSweeperStartStop(t *testing.T) {
	svc, _, _ := newTestService(t, ingest.Config{SweepInterval: time.Hour})
	sweeper := ingest.NewSweeper(svc, zap.NewNop())

	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.IsRunning())

	// Starting twice is an error.
	assert.Error(t, sweeper.Start(context.Background()))

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())

	// Stop is idempotent.
	sweeper.Stop()
}

func TestSweeperResolvesOnStart(t *testing.T) {
	svc, store, ledg := newTestService(t, ingest.Config{
		IdentityPolicy: identity.PolicyExternal,
		PendingMaxAge:  time.Millisecond,
		SweepInterval:  time.Hour,
	})
	ctx := context.Background()

	fp := identity.Fingerprint("landed")
	require.NoError(t, ledg.RecordIntent(ctx, "docs", "a", fp, ledger.IntentOptions{}))
	require.NoError(t, store.EnsureCollection(ctx, "docs", 2))
	_, err := store.Insert(ctx, "docs", []backend.Row{{
		ID:          "a",
		Fingerprint: fp,
		Vector:      []float32{0.6, 0.8},
	}})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	sweeper := ingest.NewSweeper(svc, zap.NewNop())
	require.NoError(t, sweeper.Start(ctx))
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		lastRun, reports := sweeper.LastRun()
		return !lastRun.IsZero() && len(reports) == 1 && reports[0].Committed == 1
	}, time.Second, 5*time.Millisecond)

	attempt, err := ledg.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, attempt.State)
}
