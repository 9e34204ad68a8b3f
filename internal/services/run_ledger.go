package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/metrics"
	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActionResult is one entry of a run's result list.
type ActionResult struct {
	Index      int                    `json:"index"`
	Kind       string                 `json:"kind"`
	Status     string                 `json:"status"` // ok, failed, suspended, ended
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// RunObserver is notified after every persisted run transition.
type RunObserver interface {
	OnRunTransition(run models.AutomationRun)
}

// RunObserverFunc adapts a function into a RunObserver.
type RunObserverFunc func(run models.AutomationRun)

func (f RunObserverFunc) OnRunTransition(run models.AutomationRun) { f(run) }

// RunFilter narrows ListRuns.
type RunFilter struct {
	AutomationID uint
	Status       models.RunStatus
	Page         int
	PageSize     int
}

// RunLedger records automation runs. It holds no automation logic.
type RunLedger struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu        sync.RWMutex
	observers []RunObserver
}

func NewRunLedger(db *gorm.DB, logger *logrus.Logger) *RunLedger {
	if logger == nil {
		logger = logrus.New()
	}
	l := &RunLedger{db: db, logger: logger}
	l.Observe(RunObserverFunc(func(run models.AutomationRun) {
		metrics.AutomationRuns.WithLabelValues(string(run.Status)).Inc()
	}))
	return l
}

// Observe registers an observer for run transitions.
func (l *RunLedger) Observe(o RunObserver) {
	if o == nil {
		return
	}
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Start opens a running run for the automation triggered by evt.
func (l *RunLedger) Start(ctx context.Context, a *models.Automation, evt eventbus.Event) (*models.AutomationRun, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: automation required", ErrInvalidAutomation)
	}
	run := &models.AutomationRun{
		AutomationID:    a.ID,
		StoreID:         a.StoreID,
		Status:          models.RunStatusRunning,
		ResumeFromIndex: evt.ResumeFrom,
		Result:          datatypes.JSON("[]"),
		StartedAt:       time.Now().UTC(),
	}
	if evt.Context.EventID != "" {
		id := evt.Context.EventID
		run.TriggerEventID = &id
	}
	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	l.notify(*run)
	return run, nil
}

// Progress rewrites the run's result list after an action.
func (l *RunLedger) Progress(ctx context.Context, runID uint, results []ActionResult) error {
	buf, err := encodeResults(results)
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", runID).
		Update("result", buf).Error
}

// MarkSuspended moves a running run to suspended. Callers must have a
// confirmed scheduled ticket before calling it.
func (l *RunLedger) MarkSuspended(ctx context.Context, runID uint, resumeFrom int, wakeAt time.Time, results []ActionResult) error {
	buf, err := encodeResults(results)
	if err != nil {
		return err
	}
	wake := wakeAt.UTC()
	res := l.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ? AND status = ?", runID, models.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":            models.RunStatusSuspended,
			"resume_from_index": resumeFrom,
			"wake_at":           &wake,
			"result":            buf,
		})
	if res.Error != nil {
		return fmt.Errorf("mark suspended: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark suspended: %w: run %d is not running", ErrRunNotFound, runID)
	}
	l.notifyByID(ctx, runID)
	return nil
}

// Reopen moves a suspended run back to running for a resume. A run that is
// still running (its suspension was never recorded) is accepted as is.
func (l *RunLedger) Reopen(ctx context.Context, storeID, runID uint, resumeFrom int) (*models.AutomationRun, error) {
	res := l.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ? AND store_id = ? AND status IN ?", runID, storeID,
			[]models.RunStatus{models.RunStatusSuspended, models.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":            models.RunStatusRunning,
			"resume_from_index": resumeFrom,
			"wake_at":           nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("reopen run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRunNotFound
	}
	run, err := l.GetRun(ctx, storeID, runID)
	if err != nil {
		return nil, err
	}
	l.notify(*run)
	return run, nil
}

// Complete closes a run and bumps the automation's run_count/last_run_at in
// the same transaction. The counter is incremented in SQL.
func (l *RunLedger) Complete(ctx context.Context, runID uint, status models.RunStatus, results []ActionResult, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run: %q is not a terminal status", status)
	}
	buf, err := encodeResults(results)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.AutomationRun
		if err := tx.Select("id", "automation_id").First(&run, runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if err := tx.Model(&models.AutomationRun{}).Where("id = ?", runID).
			Updates(map[string]interface{}{
				"status":        status,
				"result":        buf,
				"error_message": errMsg,
				"completed_at":  &now,
				"wake_at":       nil,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Automation{}).Where("id = ?", run.AutomationID).
			UpdateColumns(map[string]interface{}{
				"run_count":   gorm.Expr("run_count + ?", 1),
				"last_run_at": now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	l.notifyByID(ctx, runID)
	return nil
}

// Abort records a failed run for a resume whose automation can no longer run.
// The ticket's run is closed when it still exists, otherwise a new failed
// run is written so the failure stays visible.
func (l *RunLedger) Abort(ctx context.Context, t ResumptionTicket, reason string) (*models.AutomationRun, error) {
	if t.RunID != 0 {
		run, err := l.GetRun(ctx, t.StoreID, t.RunID)
		if err == nil && !run.Status.Terminal() {
			results, _ := decodeResults(run.Result)
			if err := l.Complete(ctx, run.ID, models.RunStatusFailed, results, reason); err != nil {
				return nil, err
			}
			return l.GetRun(ctx, t.StoreID, run.ID)
		}
	}

	now := time.Now().UTC()
	buf, err := encodeResults(t.Carry)
	if err != nil {
		return nil, err
	}
	run := &models.AutomationRun{
		AutomationID:    t.AutomationID,
		StoreID:         t.StoreID,
		Status:          models.RunStatusFailed,
		ResumeFromIndex: t.ResumeFromIndex,
		Result:          buf,
		ErrorMessage:    reason,
		StartedAt:       now,
		CompletedAt:     &now,
	}
	if t.TriggerEventID != "" {
		id := t.TriggerEventID
		run.TriggerEventID = &id
	}
	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("abort run: %w", err)
	}
	l.notify(*run)
	return run, nil
}

// ClaimResumption inserts the idempotency row for a ticket. It returns false
// when the ticket was already claimed by an earlier delivery. The run id is
// part of the key: two runs started by the same event id resume independently.
func (l *RunLedger) ClaimResumption(ctx context.Context, t ResumptionTicket) (bool, error) {
	row := &models.AutomationResumption{
		AutomationID:    t.AutomationID,
		TriggerEventID:  t.DedupKey(),
		ResumeFromIndex: t.ResumeFromIndex,
		RunID:           t.RunID,
		ClaimedAt:       time.Now().UTC(),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("claim resumption: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseResumption drops a claim so a later redelivery can retry. Used only
// when the resume failed before touching any run.
func (l *RunLedger) ReleaseResumption(ctx context.Context, t ResumptionTicket) error {
	return l.db.WithContext(ctx).
		Where("automation_id = ? AND trigger_event_id = ? AND resume_from_index = ? AND run_id = ?",
			t.AutomationID, t.DedupKey(), t.ResumeFromIndex, t.RunID).
		Delete(&models.AutomationResumption{}).Error
}

// GetRun loads a run scoped to the store.
func (l *RunLedger) GetRun(ctx context.Context, storeID, id uint) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if err := l.db.WithContext(ctx).Where("id = ? AND store_id = ?", id, storeID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns a page of the store's runs, newest first.
func (l *RunLedger) ListRuns(ctx context.Context, storeID uint, f RunFilter) ([]models.AutomationRun, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 20
	}
	q := l.db.WithContext(ctx).Model(&models.AutomationRun{}).Where("store_id = ?", storeID)
	if f.AutomationID != 0 {
		q = q.Where("automation_id = ?", f.AutomationID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var runs []models.AutomationRun
	if err := q.Order("id DESC").Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (l *RunLedger) notifyByID(ctx context.Context, runID uint) {
	var run models.AutomationRun
	if err := l.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		l.logger.Debugf("ledger: reload run %d for observers: %v", runID, err)
		return
	}
	l.notify(run)
}

func (l *RunLedger) notify(run models.AutomationRun) {
	l.mu.RLock()
	obs := append([]RunObserver(nil), l.observers...)
	l.mu.RUnlock()
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warnf("ledger: observer panic: %v", r)
				}
			}()
			o.OnRunTransition(run)
		}()
	}
}

func encodeResults(results []ActionResult) (datatypes.JSON, error) {
	if results == nil {
		results = []ActionResult{}
	}
	buf, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	return datatypes.JSON(buf), nil
}

func decodeResults(raw datatypes.JSON) ([]ActionResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var results []ActionResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}
