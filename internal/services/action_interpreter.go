package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/metrics"
	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultActionTimeout = 30 * time.Second

// RunOutcome is what one Interpreter.Run invocation produced.
type RunOutcome struct {
	RunID        uint             `json:"run_id"`
	AutomationID uint             `json:"automation_id"`
	Status       models.RunStatus `json:"status"`
	Results      []ActionResult   `json:"results"`
	Error        string           `json:"error,omitempty"`
	// NextIndex and WakeAt are set for suspended runs.
	NextIndex int        `json:"next_index,omitempty"`
	WakeAt    *time.Time `json:"wake_at,omitempty"`
}

// Suspender hands a resumption ticket to durable scheduling and marks the run
// suspended. It returns the wake time once the ticket is confirmed.
type Suspender interface {
	Suspend(ctx context.Context, runID uint, ticket ResumptionTicket, delay time.Duration) (time.Time, error)
}

// RunOption tweaks a single Run call.
type RunOption func(*runState)

// ContinueRun makes Run append to an existing (reopened) run instead of
// starting a new one. Earlier results in the row are carried over.
func ContinueRun(run *models.AutomationRun) RunOption {
	return func(s *runState) {
		s.run = run
	}
}

// WithCarry seeds the run with results of actions executed before a delay.
func WithCarry(results []ActionResult) RunOption {
	return func(s *runState) {
		s.carry = results
	}
}

type runState struct {
	run   *models.AutomationRun
	carry []ActionResult
}

// InterpreterConfig configures an Interpreter.
type InterpreterConfig struct {
	ActionTimeout time.Duration
	MaxDelay      time.Duration
}

// Interpreter executes an automation's actions in order, one at a time.
type Interpreter struct {
	registry  *ActionRegistry
	ledger    *RunLedger
	suspender Suspender
	logger    *logrus.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	maxDelay  time.Duration
}

func NewInterpreter(registry *ActionRegistry, ledger *RunLedger, cfg InterpreterConfig, logger *logrus.Logger) *Interpreter {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	return &Interpreter{
		registry: registry,
		ledger:   ledger,
		logger:   logger,
		tracer:   otel.Tracer("storeflow/automation"),
		timeout:  cfg.ActionTimeout,
		maxDelay: cfg.MaxDelay,
	}
}

// UseSuspender attaches the component that handles delay actions. Without one,
// delay actions fail the run.
func (i *Interpreter) UseSuspender(s Suspender) {
	i.suspender = s
}

// Run executes actions[startIndex:] for the event. It never returns an error;
// every failure ends up in the outcome and the run ledger.
func (i *Interpreter) Run(ctx context.Context, a *models.Automation, evt eventbus.Event, startIndex int, opts ...RunOption) RunOutcome {
	st := &runState{}
	for _, opt := range opts {
		opt(st)
	}
	evt.ResumeFrom = startIndex

	ctx, span := i.tracer.Start(ctx, "automation.run", trace.WithAttributes(
		attribute.Int64("automation.id", int64(a.ID)),
		attribute.Int64("store.id", int64(a.StoreID)),
		attribute.String("event.topic", evt.Topic),
		attribute.Int("automation.start_index", startIndex),
	))
	defer span.End()

	log := i.logger.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"store_id":      a.StoreID,
		"topic":         evt.Topic,
		"event_id":      evt.Context.EventID,
	})

	run := st.run
	var results []ActionResult
	if run == nil {
		var err error
		run, err = i.ledger.Start(ctx, a, evt)
		if err != nil {
			log.Errorf("automation: start run failed: %v", err)
			span.SetStatus(codes.Error, err.Error())
			return RunOutcome{AutomationID: a.ID, Status: models.RunStatusFailed, Error: err.Error()}
		}
		results = append(results, st.carry...)
	} else {
		prev, err := decodeResults(run.Result)
		if err != nil {
			log.Warnf("automation: run %d has unreadable result, starting fresh: %v", run.ID, err)
		}
		results = prev
	}
	log = log.WithField("run_id", run.ID)
	span.SetAttributes(attribute.Int64("run.id", int64(run.ID)))

	out := RunOutcome{RunID: run.ID, AutomationID: a.ID}
	fail := func(msg string) RunOutcome {
		out.Status = models.RunStatusFailed
		out.Error = msg
		out.Results = results
		if err := i.ledger.Complete(ctx, run.ID, models.RunStatusFailed, results, msg); err != nil {
			log.Errorf("automation: record failure failed: %v", err)
		}
		span.SetStatus(codes.Error, msg)
		log.Warnf("automation: run failed: %s", msg)
		return out
	}

	actions, err := DecodeActions(a.Actions)
	if err != nil {
		return fail(err.Error())
	}
	if startIndex < 0 || startIndex > len(actions) {
		return fail(fmt.Sprintf("resume index %d out of range (automation has %d actions)", startIndex, len(actions)))
	}

	vars := buildVars(evt, results)

steps:
	for idx := startIndex; idx < len(actions); idx++ {
		act := actions[idx]
		params := RenderParams(act.Params, vars)

		switch act.Kind {
		case ActionKindEnd:
			results = append(results, ActionResult{Index: idx, Kind: act.Kind, Status: "ended"})
			break steps

		case ActionKindDelay:
			delay, err := ParseDelay(params, i.maxDelay)
			if err != nil {
				results = append(results, ActionResult{Index: idx, Kind: act.Kind, Status: "failed", Error: err.Error()})
				return fail(err.Error())
			}
			if i.suspender == nil {
				return fail("failed to schedule delay: no scheduler configured")
			}
			wakeAt := time.Now().Add(delay).UTC()
			results = append(results, ActionResult{
				Index:  idx,
				Kind:   act.Kind,
				Status: "suspended",
				Output: map[string]interface{}{"delay": delay.String(), "wake_at": wakeAt.Format(time.RFC3339)},
			})
			ticket := ResumptionTicket{
				AutomationID:    a.ID,
				StoreID:         a.StoreID,
				EventType:       evt.Topic,
				EventPayload:    evt.Payload,
				ResumeFromIndex: idx + 1,
				TriggerEventID:  evt.Context.EventID,
				RunID:           run.ID,
				Carry:           results,
			}
			confirmed, err := i.suspender.Suspend(ctx, run.ID, ticket, delay)
			if err != nil {
				msg := fmt.Sprintf("failed to schedule delay: %v", err)
				results[len(results)-1].Status = "failed"
				results[len(results)-1].Error = msg
				return fail(msg)
			}
			wakeAt = confirmed
			out.Status = models.RunStatusSuspended
			out.NextIndex = idx + 1
			out.WakeAt = &wakeAt
			out.Results = results
			log.Infof("automation: suspended until %s, resumes at action %d", wakeAt.UTC().Format(time.RFC3339), idx+1)
			return out
		}

		h, ok := i.registry.Lookup(act.Kind)
		if !ok {
			msg := fmt.Sprintf("%s: %q at action %d", ErrUnknownActionKind, act.Kind, idx)
			results = append(results, ActionResult{Index: idx, Kind: act.Kind, Status: "failed", Error: msg})
			return fail(msg)
		}

		call := ActionCall{
			Automation: a,
			RunID:      run.ID,
			Index:      idx,
			Kind:       act.Kind,
			Params:     params,
			Event:      evt,
			Vars:       vars,
		}
		started := time.Now()
		output, err := i.execute(ctx, h, call)
		elapsed := time.Since(started)
		if err != nil {
			metrics.ActionDuration.WithLabelValues(act.Kind, "failed").Observe(elapsed.Seconds())
			results = append(results, ActionResult{Index: idx, Kind: act.Kind, Status: "failed", Error: err.Error(), DurationMs: elapsed.Milliseconds()})
			return fail(err.Error())
		}
		metrics.ActionDuration.WithLabelValues(act.Kind, "ok").Observe(elapsed.Seconds())

		results = append(results, ActionResult{Index: idx, Kind: act.Kind, Status: "ok", Output: output, DurationMs: elapsed.Milliseconds()})
		setStepOutput(vars, idx, output)
		if err := i.ledger.Progress(ctx, run.ID, results); err != nil {
			log.Warnf("automation: record progress failed: %v", err)
		}
	}

	out.Status = models.RunStatusSucceeded
	out.Results = results
	if err := i.ledger.Complete(ctx, run.ID, models.RunStatusSucceeded, results, ""); err != nil {
		log.Errorf("automation: record success failed: %v", err)
	}
	log.Debug("automation: run succeeded")
	return out
}

// execute runs one handler bounded by the action timeout. Panics become errors.
// On timeout the handler's ctx is cancelled and execute returns at once; the
// handler goroutine is left to observe ctx on its own.
func (i *Interpreter) execute(ctx context.Context, h ActionHandler, call ActionCall) (map[string]interface{}, error) {
	ctx, span := i.tracer.Start(ctx, "automation.action", trace.WithAttributes(
		attribute.String("action.kind", call.Kind),
		attribute.Int("action.index", call.Index),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		out map[string]interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("action %s panicked: %v", call.Kind, r)}
			}
		}()
		o, err := h.Execute(ctx, call)
		done <- result{out: o, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r.out, r.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrActionTimeout, call.Kind, i.timeout)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

// buildVars is the template context: the payload's top-level keys, the event
// under "event" and earlier outputs under "steps.<index>".
func buildVars(evt eventbus.Event, prior []ActionResult) map[string]interface{} {
	vars := make(map[string]interface{}, len(evt.Payload)+2)
	for k, v := range evt.Payload {
		vars[k] = v
	}
	vars["event"] = map[string]interface{}{
		"topic":    evt.Topic,
		"store_id": evt.Context.StoreID,
		"event_id": evt.Context.EventID,
		"source":   evt.Context.Source,
	}
	vars["steps"] = map[string]interface{}{}
	for _, r := range prior {
		if r.Status == "ok" {
			setStepOutput(vars, r.Index, r.Output)
		}
	}
	return vars
}

func setStepOutput(vars map[string]interface{}, idx int, output map[string]interface{}) {
	steps, _ := vars["steps"].(map[string]interface{})
	if steps == nil {
		steps = map[string]interface{}{}
		vars["steps"] = steps
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	steps[strconv.Itoa(idx)] = output
}
