package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLedger_Lifecycle(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 3, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []models.RunStatus
	e.Ledger.Observe(RunObserverFunc(func(run models.AutomationRun) {
		mu.Lock()
		seen = append(seen, run.Status)
		mu.Unlock()
	}))

	run, err := e.Ledger.Start(ctx, a, eventbus.Event{Topic: "order.paid", Context: eventbus.Context{StoreID: 3, EventID: "evt-1"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	require.NoError(t, e.Ledger.MarkSuspended(ctx, run.ID, 1, time.Now().Add(time.Hour), []ActionResult{{Index: 0, Kind: "delay", Status: "suspended"}}))
	// only running runs can be suspended
	assert.ErrorIs(t, e.Ledger.MarkSuspended(ctx, run.ID, 1, time.Now(), nil), ErrRunNotFound)

	reopened, err := e.Ledger.Reopen(ctx, 3, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, reopened.Status)
	assert.Nil(t, reopened.WakeAt)

	_, err = e.Ledger.Reopen(ctx, 4, run.ID, 1)
	assert.ErrorIs(t, err, ErrRunNotFound, "store scoped")

	require.NoError(t, e.Ledger.Complete(ctx, run.ID, models.RunStatusSucceeded, nil, ""))
	assert.Error(t, e.Ledger.Complete(ctx, run.ID, models.RunStatusSuspended, nil, ""))

	_, err = e.Ledger.Reopen(ctx, 3, run.ID, 1)
	assert.ErrorIs(t, err, ErrRunNotFound, "terminal runs cannot reopen")

	got, err := e.Ledger.GetRun(ctx, 3, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.RunStatus{
		models.RunStatusRunning,
		models.RunStatusSuspended,
		models.RunStatusRunning,
		models.RunStatusSucceeded,
	}, seen)
}

func TestRunLedger_CompleteIncrementsCounterAtomically(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := e.Ledger.Start(ctx, a, eventbus.Event{Topic: "order.paid"})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			if err := e.Ledger.Complete(ctx, run.ID, models.RunStatusSucceeded, nil, ""); err != nil {
				t.Errorf("complete: %v", err)
			}
		}()
	}
	wg.Wait()

	stored := e.automation(t, a.ID)
	assert.Equal(t, int64(n), stored.RunCount)
	assert.NotNil(t, stored.LastRunAt)
}

func TestRunLedger_ClaimResumption(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ticket := ResumptionTicket{AutomationID: 1, StoreID: 1, EventType: "order.paid", TriggerEventID: "evt-9", ResumeFromIndex: 2}

	ok, err := e.Ledger.ClaimResumption(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Ledger.ClaimResumption(ctx, ticket)
	require.NoError(t, err)
	assert.False(t, ok)

	other := ticket
	other.ResumeFromIndex = 4
	ok, err = e.Ledger.ClaimResumption(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok, "a later delay in the same run has its own key")

	require.NoError(t, e.Ledger.ReleaseResumption(ctx, ticket))
	ok, err = e.Ledger.ClaimResumption(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLedger_ListRuns(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)
	b := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "explode"}}, true)
	other := e.seed(t, 2, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)

	for i := 0; i < 3; i++ {
		e.Bus.Emit(context.Background(), "order.paid", orderPaid(10), storeCtx(1))
	}
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(10), storeCtx(2))

	runs, total, err := e.Ledger.ListRuns(context.Background(), 1, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
	assert.Len(t, runs, 6)
	assert.True(t, runs[0].ID > runs[1].ID, "newest first")

	_, total, err = e.Ledger.ListRuns(context.Background(), 1, RunFilter{AutomationID: b.ID, Status: models.RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	runs, total, err = e.Ledger.ListRuns(context.Background(), 1, RunFilter{AutomationID: a.ID, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, runs, 1)

	_, err = e.Ledger.GetRun(context.Background(), 1, e.runs(t, other.ID)[0].ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
