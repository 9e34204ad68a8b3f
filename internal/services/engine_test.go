package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vipRule = []Clause{{Field: "order.total_price", Operator: OpGte, Value: 100}}

func TestEngine_VipScenario_RunsTagOnce(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", vipRule,
		[]Action{{Kind: "add_tag", Params: map[string]interface{}{"tag": "vip"}}}, true)

	out := e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	assert.Equal(t, 0, out.Failed)

	assert.Equal(t, 1, e.counter.count("add_tag"))
	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
	require.NotNil(t, runs[0].TriggerEventID)
	assert.Equal(t, out.EventID, *runs[0].TriggerEventID)

	stored := e.automation(t, a.ID)
	assert.Equal(t, int64(1), stored.RunCount)
	assert.NotNil(t, stored.LastRunAt)
}

func TestEngine_ConditionFails_NoRunCreated(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", vipRule,
		[]Action{{Kind: "add_tag", Params: map[string]interface{}{"tag": "vip"}}}, true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(50), storeCtx(1))

	assert.Equal(t, 0, e.counter.count("add_tag"))
	assert.Empty(t, e.runs(t, a.ID))
}

func TestEngine_StoreScoping(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(2))

	assert.Equal(t, 0, e.counter.count("add_tag"))
	assert.Empty(t, e.runs(t, a.ID))
}

func TestEngine_InactiveAutomationSkipped(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}}, false)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))

	assert.Empty(t, e.runs(t, a.ID))
}

func TestEngine_FailureDoesNotBlockSiblings(t *testing.T) {
	e := newTestEngine(t)
	first := e.seed(t, 1, "customer.created", nil, []Action{{Kind: "explode"}}, true)
	second := e.seed(t, 1, "customer.created", nil, []Action{{Kind: "send_email"}}, true)

	out := e.Bus.Emit(context.Background(), "customer.created", map[string]interface{}{"customer": map[string]interface{}{"id": 9}}, storeCtx(1))
	assert.Equal(t, 0, out.Failed, "engine failures never reach the emitter")

	r1 := e.runs(t, first.ID)
	require.Len(t, r1, 1)
	assert.Equal(t, models.RunStatusFailed, r1[0].Status)
	assert.Equal(t, "smtp unavailable", r1[0].ErrorMessage)

	r2 := e.runs(t, second.ID)
	require.Len(t, r2, 1)
	assert.Equal(t, models.RunStatusSucceeded, r2[0].Status)
	assert.Equal(t, 1, e.counter.count("send_email"))
}

func TestEngine_UnknownKindHalts(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{
		{Kind: "add_tag"},
		{Kind: "teleport"},
		{Kind: "send_email"},
	}, true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(10), storeCtx(1))

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "teleport")
	assert.Equal(t, 1, e.counter.count("add_tag"))
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func delayRule() []Action {
	return []Action{
		{Kind: "add_tag", Params: map[string]interface{}{"tag": "first"}},
		{Kind: "delay", Params: map[string]interface{}{"amount": 60, "unit": "seconds"}},
		{Kind: "send_email", Params: map[string]interface{}{"to": "{{order.email}}"}},
	}
}

func TestEngine_DelaySuspendsBeforeNextAction(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))

	assert.Equal(t, 1, e.counter.count("add_tag"))
	assert.Equal(t, 0, e.counter.count("send_email"))

	require.Len(t, e.scheduler.tickets, 1)
	ticket := e.scheduler.last()
	assert.Equal(t, 2, ticket.ResumeFromIndex)
	assert.Equal(t, a.ID, ticket.AutomationID)
	assert.Equal(t, uint(1), ticket.StoreID)
	assert.Equal(t, "order.paid", ticket.EventType)
	assert.Equal(t, 60*time.Second, e.scheduler.delays[0])

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuspended, runs[0].Status)
	assert.Nil(t, runs[0].CompletedAt)
	assert.NotNil(t, runs[0].WakeAt)
	assert.Equal(t, 2, runs[0].ResumeFromIndex)
	assert.Equal(t, int64(0), e.automation(t, a.ID).RunCount)
}

func TestEngine_ResumeContinuesSameRun(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())

	res, err := e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.RunStatusSucceeded, res.Outcome.Status)
	assert.Equal(t, 1, e.counter.count("send_email"))
	assert.Equal(t, 1, e.counter.count("add_tag"), "actions before the delay are not repeated")

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)

	var results []ActionResult
	require.NoError(t, json.Unmarshal(runs[0].Result, &results))
	require.Len(t, results, 3)
	assert.Equal(t, "suspended", results[1].Status)

	// the payload travelled in the ticket and was rendered into params
	last := e.counter.seen[len(e.counter.seen)-1]
	assert.Equal(t, "a@example.com", last.Params["to"])
	assert.Equal(t, int64(1), e.automation(t, a.ID).RunCount)
}

func TestEngine_ResumeRedeliveryIsNoop(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())

	_, err := e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	res, err := e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, 1, e.counter.count("send_email"))
	assert.Len(t, e.runs(t, a.ID), 1)
}

// 同一个事件 ID 触发两次，两次运行都要能各自恢复
func TestEngine_SameEventIDTwiceResumesBothRuns(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)
	ec := storeCtx(1)
	ec.EventID = "evt-replayed"

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), ec)
	first := roundTrip(t, e.scheduler.last())
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), ec)
	second := roundTrip(t, e.scheduler.last())
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, first.DedupKey(), second.DedupKey())

	for _, ticket := range []ResumptionTicket{first, second} {
		res, err := e.Coordinator.Resume(context.Background(), ticket)
		require.NoError(t, err)
		assert.False(t, res.Duplicate, "run %d", ticket.RunID)
	}
	assert.Equal(t, 2, e.counter.count("send_email"))

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, models.RunStatusSucceeded, r.Status)
	}

	// redelivery of either ticket is still a no-op
	res, err := e.Coordinator.Resume(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, e.counter.count("send_email"))
}

func TestEngine_RunlessTicketRedeliveryIsNoop(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())
	ticket.RunID = 0

	res, err := e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	res, err = e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, e.counter.count("send_email"))
}

func TestAutoMigrate_DropsRunlessResumptionIndex(t *testing.T) {
	db := newEngineTestDB(t)
	require.NoError(t, db.Exec("CREATE UNIQUE INDEX idx_resumption_key ON automation_resumptions(automation_id, trigger_event_id, resume_from_index)").Error)

	require.NoError(t, AutoMigrate(db))
	m := db.Migrator()
	assert.False(t, m.HasIndex(&models.AutomationResumption{}, "idx_resumption_key"))
	assert.True(t, m.HasIndex(&models.AutomationResumption{}, "idx_resumption_run_key"))
}

func TestEngine_ResumeInactiveFailsClosed(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())

	_, err := e.Repo.SetActive(context.Background(), 1, a.ID, false)
	require.NoError(t, err)

	res, err := e.Coordinator.Resume(context.Background(), ticket)
	assert.ErrorIs(t, err, ErrAutomationInactive)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.RunStatusFailed, res.Outcome.Status)
	assert.Equal(t, 0, e.counter.count("send_email"))

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "deactivated")

	// redelivery after the abort stays a no-op
	res, err = e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func TestEngine_ResumeDeletedAutomation(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())

	require.NoError(t, e.Repo.Delete(context.Background(), 1, a.ID))

	res, err := e.Coordinator.Resume(context.Background(), ticket)
	assert.ErrorIs(t, err, ErrAutomationNotFound)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.RunStatusFailed, res.Outcome.Status)
	assert.Contains(t, res.Outcome.Error, "no longer exists")
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func TestEngine_ResumeWrongStoreIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, "order.paid", nil, delayRule(), true)
	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))
	ticket := roundTrip(t, e.scheduler.last())
	ticket.StoreID = 99

	_, err := e.Coordinator.Resume(context.Background(), ticket)
	assert.ErrorIs(t, err, ErrAutomationNotFound)
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func TestEngine_ResumeWithoutRunStartsNewRun(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)

	ticket := ResumptionTicket{
		AutomationID:    a.ID,
		StoreID:         1,
		EventType:       "order.paid",
		EventPayload:    orderPaid(150),
		ResumeFromIndex: 2,
	}
	res, err := e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, res.Outcome.Status)
	assert.Equal(t, 1, e.counter.count("send_email"))

	// no trigger event id: the payload digest is the dedup key
	res, err = e.Coordinator.Resume(context.Background(), ticket)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, e.counter.count("send_email"))
}

func TestEngine_InvalidTicket(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Coordinator.Resume(context.Background(), ResumptionTicket{StoreID: 1})
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestEngine_SchedulerFailureFailsRun(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.err = errors.New("qstash down")
	a := e.seed(t, 1, "order.paid", nil, delayRule(), true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "failed to schedule delay: qstash down", runs[0].ErrorMessage)
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func TestEngine_EndStopsSuccessfully(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}, {Kind: "end"}, {Kind: "send_email"}}, true)

	e.Bus.Emit(context.Background(), "order.paid", orderPaid(150), storeCtx(1))

	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 0, e.counter.count("send_email"))
}

func TestInterpreter_ActionTimeout(t *testing.T) {
	e := newTestEngine(t)
	e.Interpreter.timeout = 20 * time.Millisecond
	e.Registry.MustRegister("hang", ActionFunc(func(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}))
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "hang"}, {Kind: "send_email"}}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Context: storeCtx(1)}, 0)

	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.Contains(t, out.Error, "timed out")
	assert.Equal(t, 0, e.counter.count("send_email"))
}

// 超时后处理器的 ctx 必须已取消，遵守 ctx 的处理器不会在失败之后再产生副作用
func TestInterpreter_TimeoutCancelsHandlerContext(t *testing.T) {
	e := newTestEngine(t)
	e.Interpreter.timeout = 20 * time.Millisecond
	var sideEffects int32
	cause := make(chan error, 1)
	e.Registry.MustRegister("slow_email", ActionFunc(func(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			cause <- ctx.Err()
			return nil, ctx.Err()
		case <-time.After(time.Second):
			atomic.AddInt32(&sideEffects, 1)
			return nil, nil
		}
	}))
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "slow_email"}}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Context: storeCtx(1)}, 0)
	require.Equal(t, models.RunStatusFailed, out.Status)

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("handler ctx was not cancelled")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&sideEffects))
	runs := e.runs(t, a.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
}

func TestInterpreter_VarsExposeEarlierStepOutputs(t *testing.T) {
	e := newTestEngine(t)
	var seen map[string]interface{}
	e.Registry.MustRegister("inspect", ActionFunc(func(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
		seen = call.Vars
		return nil, nil
	}))
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}, {Kind: "inspect"}}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Payload: orderPaid(1), Context: storeCtx(1)}, 0)
	require.Equal(t, models.RunStatusSucceeded, out.Status)

	steps, ok := seen["steps"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"done": "add_tag"}, steps["0"])
	assert.NotContains(t, seen, "actions")
	assert.Equal(t, "order.paid", seen["event"].(map[string]interface{})["topic"])
}

func TestInterpreter_PanicBecomesFailure(t *testing.T) {
	e := newTestEngine(t)
	e.Registry.MustRegister("panicky", ActionFunc(func(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
		panic("nil map")
	}))
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "panicky"}}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Context: storeCtx(1)}, 0)

	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.Contains(t, out.Error, "panicked")
}

func TestInterpreter_StepOutputsFeedTemplates(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{
		{Kind: "add_tag"},
		{Kind: "send_email", Params: map[string]interface{}{"subject": "tagged by {{steps.0.done}} for order {{order.id}}"}},
	}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Payload: orderPaid(1), Context: storeCtx(1)}, 0)

	require.Equal(t, models.RunStatusSucceeded, out.Status)
	last := e.counter.seen[len(e.counter.seen)-1]
	assert.Equal(t, "tagged by add_tag for order 1", last.Params["subject"])
}

func TestInterpreter_StartIndexOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	a := e.seed(t, 1, "order.paid", nil, []Action{{Kind: "add_tag"}}, true)

	out := e.Interpreter.Run(context.Background(), a, eventbus.Event{Topic: "order.paid", Context: storeCtx(1)}, 5)
	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.Equal(t, 0, e.counter.count("add_tag"))
}

// roundTrip sends the ticket through JSON like a real scheduler would.
func roundTrip(t *testing.T, ticket ResumptionTicket) ResumptionTicket {
	t.Helper()
	buf, err := json.Marshal(ticket)
	require.NoError(t, err)
	var out ResumptionTicket
	require.NoError(t, json.Unmarshal(buf, &out))
	return out
}
