package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/spf13/cast"
)

// Control kinds are interpreted by the Interpreter itself and cannot be
// registered as handlers.
const (
	ActionKindDelay = "delay"
	ActionKindEnd   = "end"
)

// Action is one step of an automation.
type Action struct {
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// UnmarshalJSON also accepts the storefront's {"type","config"} shape.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind   string                 `json:"kind"`
		Type   string                 `json:"type"`
		Params map[string]interface{} `json:"params"`
		Config map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Kind = strings.TrimSpace(raw.Kind)
	if a.Kind == "" {
		a.Kind = strings.TrimSpace(raw.Type)
	}
	a.Params = raw.Params
	if a.Params == nil {
		a.Params = raw.Config
	}
	return nil
}

// DecodeActions parses the stored action list.
func DecodeActions(raw []byte) ([]Action, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return actions, nil
}

// ActionCall is what a handler receives for one action execution.
type ActionCall struct {
	Automation *models.Automation
	RunID      uint
	Index      int
	Kind       string
	// Params with {{path}} placeholders already rendered against Vars.
	Params map[string]interface{}
	Event  eventbus.Event
	// Vars is the run context: the event payload, the event under "event" and
	// outputs of earlier actions under "steps.<index>".
	Vars map[string]interface{}
}

// ActionHandler executes one business action kind.
//
// Execute must honour ctx. When the action timeout expires the run is recorded
// as failed straight away, but the interpreter cannot stop a handler that
// ignores ctx: its side effects (an email sent, a tag written) may still land
// after the failure is recorded.
type ActionHandler interface {
	Validate(params map[string]interface{}) error
	Execute(ctx context.Context, call ActionCall) (map[string]interface{}, error)
}

// ActionFunc adapts a plain function into an ActionHandler without param validation.
type ActionFunc func(ctx context.Context, call ActionCall) (map[string]interface{}, error)

func (f ActionFunc) Validate(map[string]interface{}) error { return nil }

func (f ActionFunc) Execute(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
	return f(ctx, call)
}

// ActionRegistry maps action kinds to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register adds a handler for kind. Control kinds and duplicates are rejected.
func (r *ActionRegistry) Register(kind string, h ActionHandler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return fmt.Errorf("%w: kind and handler are required", ErrInvalidAction)
	}
	if isControlKind(kind) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidAction, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %q already registered", ErrInvalidAction, kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *ActionRegistry) MustRegister(kind string, h ActionHandler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

func (r *ActionRegistry) Lookup(kind string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists every known kind, including control kinds, sorted.
func (r *ActionRegistry) Kinds() []string {
	r.mu.RLock()
	kinds := make([]string, 0, len(r.handlers)+2)
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	kinds = append(kinds, ActionKindDelay, ActionKindEnd)
	sort.Strings(kinds)
	return kinds
}

// Validate checks a whole action list at save time. maxDelay bounds delay
// actions; zero means unbounded.
func (r *ActionRegistry) Validate(actions []Action, maxDelay time.Duration) error {
	for i, act := range actions {
		switch act.Kind {
		case "":
			return fmt.Errorf("%w: action %d has no kind", ErrInvalidAction, i)
		case ActionKindDelay:
			if _, err := ParseDelay(act.Params, maxDelay); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
			continue
		case ActionKindEnd:
			continue
		}
		h, ok := r.Lookup(act.Kind)
		if !ok {
			return fmt.Errorf("action %d: %w: %s", i, ErrUnknownActionKind, act.Kind)
		}
		if err := h.Validate(act.Params); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, act.Kind, err)
		}
	}
	return nil
}

func isControlKind(kind string) bool {
	return kind == ActionKindDelay || kind == ActionKindEnd
}

var delayUnits = map[string]time.Duration{
	"second":  time.Second,
	"seconds": time.Second,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// ParseDelay reads {amount, unit} or {duration: "90m"} params. The result must
// be positive and, when max > 0, not longer than max.
func ParseDelay(params map[string]interface{}, max time.Duration) (time.Duration, error) {
	var d time.Duration
	if raw, ok := params["duration"]; ok {
		s, err := cast.ToStringE(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: delay duration: %v", ErrInvalidAction, err)
		}
		d, err = time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%w: delay duration: %v", ErrInvalidAction, err)
		}
	} else {
		amountRaw, ok := params["amount"]
		if !ok {
			return 0, fmt.Errorf("%w: delay amount must be greater than 0", ErrInvalidAction)
		}
		amount, ok := toNumber(amountRaw)
		if !ok {
			return 0, fmt.Errorf("%w: delay amount must be a number", ErrInvalidAction)
		}
		unitName := strings.ToLower(strings.TrimSpace(cast.ToString(params["unit"])))
		if unitName == "" {
			return 0, fmt.Errorf("%w: delay unit is required (seconds, minutes, hours, days, weeks)", ErrInvalidAction)
		}
		unit, ok := delayUnits[unitName]
		if !ok {
			return 0, fmt.Errorf("%w: invalid delay unit %q, must be seconds, minutes, hours, days or weeks", ErrInvalidAction, unitName)
		}
		d = time.Duration(amount * float64(unit))
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: delay amount must be greater than 0", ErrInvalidAction)
	}
	if max > 0 && d > max {
		return 0, fmt.Errorf("%w: delay %s exceeds maximum %s", ErrInvalidAction, d, max)
	}
	return d, nil
}
