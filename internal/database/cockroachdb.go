package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatcore-backend/pkg/logger"
)

// DBConfig contains database configuration
type DBConfig struct {
	MaxOpenConns      int
	MinConns          int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenConns:      25,
		MinConns:          2,
		ConnMaxLifetime:   time.Hour,
		ConnMaxIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// DB wraps the pgxpool.Pool holding call history, users and memberships
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool and verifies it with a ping
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}
	config.MaxConns = int32(dbConfig.MaxOpenConns)
	config.MinConns = int32(dbConfig.MinConns)
	config.MaxConnLifetime = dbConfig.ConnMaxLifetime
	config.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	config.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
}
