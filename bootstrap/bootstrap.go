// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表与索引。
// 通过 `go run main.go -module init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"

	"github.com/ceyewan/pulse/config"
	"github.com/ceyewan/pulse/model"
)

// Options 初始化选项
type Options struct {
	// IncludeReadOnly 同时创建只读表（会话成员、消息内容），用于本地开发与测试环境
	IncludeReadOnly bool
}

// Run 执行数据库初始化
func Run(opts Options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, _ := clog.New(&cfg.Log)
	logger.Info("starting database initialization...",
		clog.String("database", cfg.Postgres.Database))

	postgresConn, err := connector.NewPostgreSQL(&cfg.Postgres, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("postgresql connector: %w", err)
	}
	defer postgresConn.Close()

	dbInstance, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(postgresConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer dbInstance.Close()

	if err := Migrate(dbInstance.DB(context.Background()), opts, logger); err != nil {
		return err
	}
	logger.Info("database initialization finished successfully")
	return nil
}

// Migrate 对给定连接执行 AutoMigrate
func Migrate(gormDB *gorm.DB, opts Options, logger clog.Logger) error {
	models := model.OwnedModels()
	if opts.IncludeReadOnly {
		models = model.AllModels()
	}

	logger.Info("running AutoMigrate...", clog.Int("tables", len(models)))
	if err := gormDB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("AutoMigrate completed")
	return nil
}
