package services

import (
	"context"
	"fmt"

	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
)

// MatchPreview reports whether one automation would fire for an event.
type MatchPreview struct {
	AutomationID uint   `json:"automation_id"`
	Name         string `json:"name"`
	Matched      bool   `json:"matched"`
	Error        string `json:"error,omitempty"`
}

// AutomationListener connects the event bus to the interpreter.
type AutomationListener struct {
	repo   *AutomationRepository
	interp *Interpreter
	logger *logrus.Logger
}

func NewAutomationListener(repo *AutomationRepository, interp *Interpreter, logger *logrus.Logger) *AutomationListener {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationListener{repo: repo, interp: interp, logger: logger}
}

// Register subscribes the listener to every supported topic.
func (l *AutomationListener) Register(bus *eventbus.Bus) {
	for _, topic := range SupportedTopics {
		bus.SubscribeNamed(topic, "automations", l.Handle)
	}
}

// Handle is the bus listener. Only a failed lookup is returned as an error;
// each automation's own failure stays in its run.
func (l *AutomationListener) Handle(ctx context.Context, evt eventbus.Event) error {
	_, err := l.Dispatch(ctx, evt)
	return err
}

// Dispatch runs every matching active automation of the event's store, in id
// order, and returns one outcome per started run.
func (l *AutomationListener) Dispatch(ctx context.Context, evt eventbus.Event) ([]RunOutcome, error) {
	if evt.Context.StoreID == 0 {
		return nil, fmt.Errorf("event %s has no store_id", evt.Topic)
	}
	list, err := l.repo.FindActive(ctx, evt.Context.StoreID, evt.Topic)
	if err != nil {
		return nil, err
	}

	var outcomes []RunOutcome
	for idx := range list {
		a := &list[idx]
		if !l.matches(a, evt) {
			continue
		}
		outcomes = append(outcomes, l.runOne(ctx, a, evt))
	}
	return outcomes, nil
}

// Preview evaluates conditions without running anything.
func (l *AutomationListener) Preview(ctx context.Context, evt eventbus.Event) ([]MatchPreview, error) {
	list, err := l.repo.FindActive(ctx, evt.Context.StoreID, evt.Topic)
	if err != nil {
		return nil, err
	}
	previews := make([]MatchPreview, 0, len(list))
	for _, a := range list {
		p := MatchPreview{AutomationID: a.ID, Name: a.Name}
		clauses, err := DecodeConditions(a.TriggerConditions)
		if err != nil {
			p.Error = err.Error()
		} else {
			p.Matched = Matches(clauses, evt.Payload)
		}
		previews = append(previews, p)
	}
	return previews, nil
}

func (l *AutomationListener) matches(a *models.Automation, evt eventbus.Event) bool {
	clauses, err := DecodeConditions(a.TriggerConditions)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"automation_id": a.ID,
			"store_id":      a.StoreID,
		}).Warnf("automation: skipping, bad conditions: %v", err)
		return false
	}
	return Matches(clauses, evt.Payload)
}

func (l *AutomationListener) runOne(ctx context.Context, a *models.Automation, evt eventbus.Event) (out RunOutcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("automation_id", a.ID).Errorf("automation: run panic: %v", r)
			out = RunOutcome{AutomationID: a.ID, Status: models.RunStatusFailed, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return l.interp.Run(ctx, a, evt, 0)
}
