package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/linkpilot/config"
)

// InitDB 按配置打开数据库（默认 sqlite 单文件）
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch cfg.Database.Driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.Database.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil
	default:
		return OpenSQLite(cfg.Database.Path, gcfg)
	}
}

// OpenSQLite 打开 sqlite：WAL + busy_timeout，单连接串行化写入
func OpenSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	if gcfg == nil {
		gcfg = &gorm.Config{
			Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
			NowFunc: func() time.Time { return time.Now().UTC() },
		}
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
