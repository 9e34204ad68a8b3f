package cli

import (
	"fmt"

	"storeflow/internal/config"
	"storeflow/internal/observability"
	"storeflow/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openDB connects to postgres with the configured pool and tracing.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := observability.InstrumentDB(db, cfg); err != nil {
		logrus.Warnf("gorm tracing: %v", err)
	}
	return db, nil
}

func openRedis(cfg *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
}

// needsRedis reports whether the scheduler driver keeps tickets in redis.
func needsRedis(cfg *config.Config) bool {
	d := cfg.Automation.Scheduler.Driver
	return d == "" || d == "redis"
}

// newDispatcher builds the redis dispatcher that delivers due tickets to the
// resume URL, signed with the current key.
func newDispatcher(cfg *config.Config, rdb redis.UniversalClient, l *logrus.Logger) *services.ResumeDispatcher {
	ac := cfg.Automation
	q := services.NewRedisDelayQueue(rdb, ac.Scheduler.Redis.Key, ac.Scheduler.Redis.DeadKey)
	var signer *services.TicketSigner
	if ac.Signing.CurrentKey != "" {
		signer = services.NewTicketSigner(ac.Signing.CurrentKey, ac.Signing.Issuer, ac.Signing.TTL)
	}
	return services.NewResumeDispatcher(q, signer, ac.Signing.Header, ac.ResumeURL, ac.Scheduler.Redis, l)
}
