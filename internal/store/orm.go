package store

import (
	"fmt"
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// Open 创建 GORM 数据库实例
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	dialector, err := getDialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt: true,
		Logger:      newLogger(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// 配置读写分离
	if len(cfg.Replicas) > 0 {
		if err := setupReadWriteSplit(db, cfg); err != nil {
			return nil, fmt.Errorf("failed to setup read-write split: %w", err)
		}
	}

	return db, nil
}

// AutoMigrate 迁移核心表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Endpoint{},
		&model.EndpointStats{},
		&model.Device{},
		&model.DeviceData{},
		&model.DeviceCommand{},
	)
}

// getDialector 根据数据库类型返回对应的 Dialector
func getDialector(dbType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "sqlserver":
		return sqlserver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// newLogger 创建 GORM 日志记录器
func newLogger(cfg *config.DatabaseConfig) gormlogger.Interface {
	return gormlogger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  gormlogger.LogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
		},
	)
}

// setupReadWriteSplit 配置读写分离
func setupReadWriteSplit(db *gorm.DB, cfg *config.DatabaseConfig) error {
	replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
	for _, dsn := range cfg.Replicas {
		dialector, err := getDialector(cfg.Type, dsn)
		if err != nil {
			return err
		}
		replicas = append(replicas, dialector)
	}

	return db.Use(dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   dbresolver.RandomPolicy{},
	}))
}
