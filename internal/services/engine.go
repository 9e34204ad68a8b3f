package services

import (
	"fmt"

	"storeflow/internal/config"
	"storeflow/internal/eventbus"
	"storeflow/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine bundles the automation components wired together.
type Engine struct {
	Bus         *eventbus.Bus
	Registry    *ActionRegistry
	Repo        *AutomationRepository
	Ledger      *RunLedger
	Interpreter *Interpreter
	Coordinator *ResumeCoordinator
	Listener    *AutomationListener
	Feed        *RunFeed
	Verifier    *TicketVerifier
}

// NewEngine builds the engine on db with the given scheduler. Built-in actions
// are registered; hosts add business actions through Registry.
func NewEngine(db *gorm.DB, scheduler Scheduler, cfg config.AutomationConfig, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	registry := NewActionRegistry()
	RegisterBuiltinActions(registry, logger, nil)

	ledger := NewRunLedger(db, logger)
	feed := NewRunFeed(logger)
	ledger.Observe(feed)

	repo := NewAutomationRepository(db, registry, cfg.MaxDelay, logger)
	interp := NewInterpreter(registry, ledger, InterpreterConfig{
		ActionTimeout: cfg.ActionTimeout,
		MaxDelay:      cfg.MaxDelay,
	}, logger)
	coord := NewResumeCoordinator(repo, ledger, interp, scheduler, logger)
	listener := NewAutomationListener(repo, interp, logger)

	bus := eventbus.NewBus(logger)
	listener.Register(bus)

	return &Engine{
		Bus:         bus,
		Registry:    registry,
		Repo:        repo,
		Ledger:      ledger,
		Interpreter: interp,
		Coordinator: coord,
		Listener:    listener,
		Feed:        feed,
		Verifier:    NewTicketVerifier(cfg.Signing.CurrentKey, cfg.Signing.NextKey, cfg.Signing.Issuer),
	}
}

// NewScheduler picks the scheduler driver from config. The redis driver needs rdb.
func NewScheduler(cfg config.AutomationConfig, rdb redis.UniversalClient, logger *logrus.Logger) (Scheduler, error) {
	switch cfg.Scheduler.Driver {
	case "qstash":
		return NewHTTPScheduler(cfg.Scheduler.QStash, cfg.ResumeURL, logger), nil
	case "redis", "":
		if rdb == nil {
			return nil, fmt.Errorf("redis scheduler requires a redis client")
		}
		q := NewRedisDelayQueue(rdb, cfg.Scheduler.Redis.Key, cfg.Scheduler.Redis.DeadKey)
		return NewRedisScheduler(q, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler driver %q", cfg.Scheduler.Driver)
	}
}

// AutoMigrate creates the engine tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Automation{}, &models.AutomationRun{}, &models.AutomationResumption{}); err != nil {
		return err
	}
	// 旧的去重索引不含 run_id，会把同一事件触发的两次运行当成重复
	m := db.Migrator()
	if m.HasIndex(&models.AutomationResumption{}, "idx_resumption_key") {
		return m.DropIndex(&models.AutomationResumption{}, "idx_resumption_key")
	}
	return nil
}
