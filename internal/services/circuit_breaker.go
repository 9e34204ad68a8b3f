package services

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断中，直接拒绝
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxFailures   int
	OpenTimeout   time.Duration
	HalfOpenProbe int
}

// SchedulerBreaker stops hammering an unavailable scheduler. A run whose
// delay hits an open breaker fails immediately with ErrCircuitOpen.
type SchedulerBreaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
	now      func() time.Time
}

func NewSchedulerBreaker(cfg BreakerConfig) *SchedulerBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbe <= 0 {
		cfg.HalfOpenProbe = 1
	}
	return &SchedulerBreaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open and records its result.
func (b *SchedulerBreaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *SchedulerBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.probes = 1
		return true
	case BreakerHalfOpen:
		if b.probes < b.cfg.HalfOpenProbe {
			b.probes++
			return true
		}
		return false
	}
	return false
}

func (b *SchedulerBreaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

func (b *SchedulerBreaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	// 半开状态失败立即重新熔断
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probes = 0
	}
}

// State 当前状态
func (b *SchedulerBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is exposed on the readiness endpoint.
func (b *SchedulerBreaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":        b.state.String(),
		"failures":     b.failures,
		"max_failures": b.cfg.MaxFailures,
		"open_timeout": b.cfg.OpenTimeout.String(),
	}
}
