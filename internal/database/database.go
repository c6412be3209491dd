package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"crashgame/internal/config"
	"crashgame/internal/logger"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// Pool is the pgx pool the stores query through.
	Pool() *pgxpool.Pool

	// DB wraps the same pool as a *sql.DB for migrations.
	DB() *sql.DB
}

type service struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

var (
	database   = config.GetEnv("BLUEPRINT_DB_DATABASE", "crashdb")
	password   = config.GetEnv("BLUEPRINT_DB_PASSWORD", "postgres")
	username   = config.GetEnv("BLUEPRINT_DB_USERNAME", "postgres")
	port       = config.GetEnv("BLUEPRINT_DB_PORT", "5432")
	host       = config.GetEnv("BLUEPRINT_DB_HOST", "localhost")
	schema     = config.GetEnv("BLUEPRINT_DB_SCHEMA", "public")
	dbInstance *service
)

// URL builds the connection string from the BLUEPRINT_DB_* settings.
func URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)
}

func New() Service {
	// Reuse Connection
	if dbInstance != nil {
		return dbInstance
	}
	log := logger.Named("database")

	cfg, err := pgxpool.ParseConfig(URL())
	if err != nil {
		log.Fatal("invalid database config", zap.Error(err))
	}
	cfg.MaxConns = int32(config.GetEnvAsInt("BLUEPRINT_DB_MAX_CONNS", 20))
	cfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	dbInstance = &service{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
	return dbInstance
}

func (s *service) Pool() *pgxpool.Pool { return s.pool }

func (s *service) DB() *sql.DB { return s.db }

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		logger.Named("database").Error("database health check failed", zap.Error(err))
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["total_connections"] = strconv.Itoa(int(poolStats.TotalConns()))
	stats["acquired_connections"] = strconv.Itoa(int(poolStats.AcquiredConns()))
	stats["idle_connections"] = strconv.Itoa(int(poolStats.IdleConns()))
	stats["max_connections"] = strconv.Itoa(int(poolStats.MaxConns()))
	stats["acquire_count"] = strconv.FormatInt(poolStats.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(poolStats.EmptyAcquireCount(), 10)
	stats["acquire_duration"] = poolStats.AcquireDuration().String()

	if poolStats.AcquiredConns() >= poolStats.MaxConns() {
		stats["message"] = "The database is experiencing heavy load."
	}
	if poolStats.EmptyAcquireCount() > 1000 {
		stats["message"] = "Connections are frequently waited on, consider raising the pool size."
	}

	return stats
}

// Close closes the database connection.
// It logs a message indicating the disconnection from the specific database.
// If the connection is successfully closed, it returns nil.
func (s *service) Close() error {
	logger.Named("database").Info("disconnected from database", zap.String("database", database))
	err := s.db.Close()
	s.pool.Close()
	if dbInstance == s {
		dbInstance = nil
	}
	return err
}
