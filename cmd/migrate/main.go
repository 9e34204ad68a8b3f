package main

import (
	"flag"
	"log"

	"storeflow/internal/config"
	"storeflow/internal/services"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default ./config.yml)")
	flag.Parse()

	if err := config.InitViper(*cfgFile); err != nil {
		log.Printf("config: %v", err)
	}
	cfg := config.Load()

	// 连接数据库
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Creating additional indexes...")
	// 运行记录按店铺与时间查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_store_started ON automation_runs(store_id, started_at DESC)")
	// 挂起中的运行单独建部分索引，便于巡检
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_suspended ON automation_runs(automation_id) WHERE status = 'suspended'")

	log.Println("Migration process completed!")
}
