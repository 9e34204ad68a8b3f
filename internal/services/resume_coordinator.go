package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/metrics"
	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ResumptionTicket is the only state that survives a delay. It is handed to
// the scheduler and delivered back to the resume endpoint.
type ResumptionTicket struct {
	AutomationID    uint                   `json:"automation_id"`
	StoreID         uint                   `json:"store_id"`
	EventType       string                 `json:"event_type"`
	EventPayload    map[string]interface{} `json:"event_payload"`
	ResumeFromIndex int                    `json:"resume_from_index"`
	TriggerEventID  string                 `json:"trigger_event_id,omitempty"`
	RunID           uint                   `json:"run_id,omitempty"`
	Carry           []ActionResult         `json:"carry,omitempty"`
}

// Validate checks the fields a resume needs.
func (t ResumptionTicket) Validate() error {
	var missing []string
	if t.AutomationID == 0 {
		missing = append(missing, "automation_id")
	}
	if t.StoreID == 0 {
		missing = append(missing, "store_id")
	}
	if strings.TrimSpace(t.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTicket, strings.Join(missing, ", "))
	}
	if t.ResumeFromIndex < 0 {
		return fmt.Errorf("%w: resume_from_index must not be negative", ErrInvalidTicket)
	}
	return nil
}

// DedupKey identifies the triggering event for idempotency. Tickets without a
// trigger event id fall back to a digest of the payload. Together with
// automation, resume index and run id it forms the claim key.
func (t ResumptionTicket) DedupKey() string {
	if t.TriggerEventID != "" {
		return t.TriggerEventID
	}
	// encoding/json sorts map keys, so equal payloads hash equally
	buf, _ := json.Marshal(t.EventPayload)
	sum := sha256.Sum256(append([]byte(t.EventType+"|"), buf...))
	return "sha256:" + hex.EncodeToString(sum[:])[:48]
}

// ScheduleReceipt confirms a ticket was accepted by a scheduler.
type ScheduleReceipt struct {
	Driver    string    `json:"driver"`
	MessageID string    `json:"message_id"`
	DeliverAt time.Time `json:"deliver_at"`
}

// Scheduler durably delivers a ticket to the resume endpoint after delay,
// retrying on failure. Schedule must only return nil once the ticket is durable.
type Scheduler interface {
	Schedule(ctx context.Context, ticket ResumptionTicket, delay time.Duration) (ScheduleReceipt, error)
}

// ResumeResult is the outcome of a resume delivery.
type ResumeResult struct {
	Duplicate bool        `json:"duplicate"`
	Outcome   *RunOutcome `json:"outcome,omitempty"`
}

// ResumeCoordinator suspends runs on delay and resumes them from tickets.
type ResumeCoordinator struct {
	repo      *AutomationRepository
	ledger    *RunLedger
	interp    *Interpreter
	scheduler Scheduler
	logger    *logrus.Logger
}

// NewResumeCoordinator wires the coordinator and attaches it to interp as the
// delay handler.
func NewResumeCoordinator(repo *AutomationRepository, ledger *RunLedger, interp *Interpreter, scheduler Scheduler, logger *logrus.Logger) *ResumeCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &ResumeCoordinator{
		repo:      repo,
		ledger:    ledger,
		interp:    interp,
		scheduler: scheduler,
		logger:    logger,
	}
	interp.UseSuspender(c)
	return c
}

// Suspend schedules the ticket and only then marks the run suspended.
func (c *ResumeCoordinator) Suspend(ctx context.Context, runID uint, ticket ResumptionTicket, delay time.Duration) (time.Time, error) {
	if c.scheduler == nil {
		return time.Time{}, errors.New("no scheduler configured")
	}
	receipt, err := c.scheduler.Schedule(ctx, ticket, delay)
	if err != nil {
		return time.Time{}, err
	}
	wakeAt := receipt.DeliverAt
	if wakeAt.IsZero() {
		wakeAt = time.Now().Add(delay)
	}

	log := c.logger.WithFields(logrus.Fields{
		"automation_id": ticket.AutomationID,
		"store_id":      ticket.StoreID,
		"run_id":        runID,
		"resume_from":   ticket.ResumeFromIndex,
		"driver":        receipt.Driver,
		"message_id":    receipt.MessageID,
	})
	if err := c.ledger.MarkSuspended(ctx, runID, ticket.ResumeFromIndex, wakeAt, ticket.Carry); err != nil {
		// 票据已经确认投递，resume 仍然可以接上这个 run
		log.Errorf("automation: ticket scheduled but run not marked suspended: %v", err)
		return wakeAt, nil
	}
	log.Info("automation: run suspended")
	return wakeAt, nil
}

// Resume continues a suspended run from a delivered ticket. Redeliveries of an
// already claimed ticket are no-ops. ErrAutomationNotFound and
// ErrAutomationInactive are returned together with the failed outcome.
func (c *ResumeCoordinator) Resume(ctx context.Context, t ResumptionTicket) (ResumeResult, error) {
	if err := t.Validate(); err != nil {
		metrics.Resumes.WithLabelValues("invalid").Inc()
		return ResumeResult{}, err
	}
	if t.EventPayload == nil {
		t.EventPayload = map[string]interface{}{}
	}
	log := c.logger.WithFields(logrus.Fields{
		"automation_id": t.AutomationID,
		"store_id":      t.StoreID,
		"resume_from":   t.ResumeFromIndex,
		"run_id":        t.RunID,
	})

	claimed, err := c.ledger.ClaimResumption(ctx, t)
	if err != nil {
		metrics.Resumes.WithLabelValues("error").Inc()
		return ResumeResult{}, err
	}
	if !claimed {
		metrics.Resumes.WithLabelValues("duplicate").Inc()
		log.Info("automation: duplicate resume delivery ignored")
		return ResumeResult{Duplicate: true}, nil
	}

	a, err := c.repo.Get(ctx, t.StoreID, t.AutomationID)
	switch {
	case errors.Is(err, ErrAutomationNotFound):
		return c.abort(ctx, t, ErrAutomationNotFound,
			fmt.Sprintf("automation %d no longer exists in store %d", t.AutomationID, t.StoreID))
	case err != nil:
		// nothing ran yet; let the scheduler retry
		if rerr := c.ledger.ReleaseResumption(ctx, t); rerr != nil {
			log.Errorf("automation: release resume claim failed: %v", rerr)
		}
		metrics.Resumes.WithLabelValues("error").Inc()
		return ResumeResult{}, err
	case !a.IsActive:
		return c.abort(ctx, t, ErrAutomationInactive,
			fmt.Sprintf("automation %d was deactivated before resume", t.AutomationID))
	}

	evt := eventbus.Event{
		Topic:   t.EventType,
		Payload: t.EventPayload,
		Context: eventbus.Context{
			StoreID:    t.StoreID,
			Source:     "resume",
			EventID:    t.TriggerEventID,
			OccurredAt: time.Now().UTC(),
		},
		ResumeFrom: t.ResumeFromIndex,
	}

	var opts []RunOption
	if t.RunID != 0 {
		run, err := c.ledger.Reopen(ctx, t.StoreID, t.RunID, t.ResumeFromIndex)
		if err == nil {
			opts = append(opts, ContinueRun(run))
		} else {
			log.Warnf("automation: cannot reopen run, starting a new one: %v", err)
			opts = append(opts, WithCarry(t.Carry))
		}
	} else {
		opts = append(opts, WithCarry(t.Carry))
	}

	outcome := c.interp.Run(ctx, a, evt, t.ResumeFromIndex, opts...)
	metrics.Resumes.WithLabelValues(string(outcome.Status)).Inc()
	log.WithField("status", outcome.Status).Info("automation: resumed")
	return ResumeResult{Outcome: &outcome}, nil
}

func (c *ResumeCoordinator) abort(ctx context.Context, t ResumptionTicket, cause error, reason string) (ResumeResult, error) {
	metrics.Resumes.WithLabelValues("aborted").Inc()
	c.logger.WithFields(logrus.Fields{
		"automation_id": t.AutomationID,
		"store_id":      t.StoreID,
	}).Warnf("automation: resume aborted: %s", reason)

	out := RunOutcome{AutomationID: t.AutomationID, Status: models.RunStatusFailed, Error: reason}
	run, err := c.ledger.Abort(ctx, t, reason)
	if err != nil {
		c.logger.Errorf("automation: record aborted resume failed: %v", err)
	} else {
		out.RunID = run.ID
	}
	return ResumeResult{Outcome: &out}, cause
}
