package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 每个连接都是独立的内存库
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeScheduler records tickets instead of delivering them.
type fakeScheduler struct {
	mu      sync.Mutex
	tickets []ResumptionTicket
	delays  []time.Duration
	err     error
}

func (s *fakeScheduler) Schedule(ctx context.Context, t ResumptionTicket, d time.Duration) (ScheduleReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ScheduleReceipt{}, s.err
	}
	s.tickets = append(s.tickets, t)
	s.delays = append(s.delays, d)
	return ScheduleReceipt{Driver: "fake", MessageID: "m1", DeliverAt: time.Now().Add(d)}, nil
}

func (s *fakeScheduler) last() ResumptionTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets[len(s.tickets)-1]
}

// actionCounter counts executions per kind.
type actionCounter struct {
	mu    sync.Mutex
	calls map[string]int
	seen  []ActionCall
}

func newActionCounter() *actionCounter {
	return &actionCounter{calls: map[string]int{}}
}

func (c *actionCounter) handler(kind string, err error) ActionFunc {
	return func(ctx context.Context, call ActionCall) (map[string]interface{}, error) {
		c.mu.Lock()
		c.calls[kind]++
		c.seen = append(c.seen, call)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"done": kind}, nil
	}
}

func (c *actionCounter) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[kind]
}

type testEngine struct {
	*Engine
	db        *gorm.DB
	scheduler *fakeScheduler
	counter   *actionCounter
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db := newEngineTestDB(t)
	sched := &fakeScheduler{}
	cfg := config.GetDefaultConfig().Automation
	cfg.ActionTimeout = 2 * time.Second
	eng := NewEngine(db, sched, cfg, quietLogger())

	counter := newActionCounter()
	eng.Registry.MustRegister("add_tag", counter.handler("add_tag", nil))
	eng.Registry.MustRegister("send_email", counter.handler("send_email", nil))
	eng.Registry.MustRegister("explode", counter.handler("explode", errors.New("smtp unavailable")))
	return &testEngine{Engine: eng, db: db, scheduler: sched, counter: counter}
}

// seed writes an automation directly, bypassing validation, so tests can store
// rules that validation would reject (e.g. unknown kinds).
func (e *testEngine) seed(t *testing.T, storeID uint, trigger string, conds []Clause, actions []Action, active bool) *models.Automation {
	t.Helper()
	if conds == nil {
		conds = []Clause{}
	}
	cj, _ := json.Marshal(conds)
	aj, _ := json.Marshal(actions)
	a := &models.Automation{
		StoreID:           storeID,
		Name:              "rule",
		TriggerType:       trigger,
		TriggerConditions: datatypes.JSON(cj),
		Actions:           datatypes.JSON(aj),
		IsActive:          active,
	}
	if err := e.db.Create(a).Error; err != nil {
		t.Fatalf("seed automation: %v", err)
	}
	return a
}

func (e *testEngine) runs(t *testing.T, automationID uint) []models.AutomationRun {
	t.Helper()
	var runs []models.AutomationRun
	if err := e.db.Where("automation_id = ?", automationID).Order("id ASC").Find(&runs).Error; err != nil {
		t.Fatalf("load runs: %v", err)
	}
	return runs
}

func (e *testEngine) automation(t *testing.T, id uint) models.Automation {
	t.Helper()
	var a models.Automation
	if err := e.db.First(&a, id).Error; err != nil {
		t.Fatalf("load automation: %v", err)
	}
	return a
}

func storeCtx(storeID uint) eventbus.Context {
	return eventbus.Context{StoreID: storeID, Source: "api"}
}

func orderPaid(total float64) map[string]interface{} {
	return map[string]interface{}{"order": map[string]interface{}{"id": 1, "total_price": total, "email": "a@example.com"}}
}
