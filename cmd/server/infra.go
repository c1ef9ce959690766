package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-ledger/internal/adapter/event"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/port"
)

type infra struct {
	store     port.LedgerStore
	locker    port.ItemLocker
	publisher port.EventPublisher
	closers   []func() error
}

func (i *infra) Close() error {
	var errs []error
	for j := len(i.closers) - 1; j >= 0; j-- {
		errs = append(errs, i.closers[j]())
	}
	return errors.Join(errs...)
}

func openInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{}
	if err := in.openStore(ctx, cfg, logger); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.openLocker(ctx, cfg, logger); err != nil {
		in.Close()
		return nil, err
	}
	in.openPublisher(cfg, logger)
	return in, nil
}

func (i *infra) openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		dsn, err := mysqlDSN(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		i.closers = append(i.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			return err
		}
		i.store = adapter
		logger.Info("connected to mysql")

	case config.DriverPostgres:
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
		i.closers = append(i.closers, sqlDB.Close)

		adapter := storage.NewPostgresAdapter(db, cfg.LockTimeout)
		if err := adapter.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		i.store = adapter
		logger.Info("connected to postgres")

	default:
		i.store = storage.NewMemoryStore()
		logger.Warn("using in-memory ledger store, state is lost on restart")
	}
	return nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse MYSQL_DSN: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func (i *infra) openLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Locker != config.LockerRedis {
		i.locker = storage.NewLocalLocker()
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 100
	rdb := redis.NewClient(opts)
	i.closers = append(i.closers, rdb.Close)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	locker := storage.NewRedisLocker(rdb, cfg.LockTTL)
	locker.OnLost(func(key string, err error) {
		logger.Warn("item lock lost before release", zap.String("key", key), zap.Error(err))
	})
	i.locker = locker
	logger.Info("connected to redis")
	return nil
}

func (i *infra) openPublisher(cfg *config.Config, logger *zap.Logger) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		i.publisher = event.NewLogPublisher(logger.Named("events"))
		return
	}

	i.publisher = event.NewKafkaPublisher(event.NewKafkaWriter(brokers, cfg.KafkaTopic))
	i.closers = append(i.closers, i.publisher.Close)
	logger.Info("publishing events to kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
}
