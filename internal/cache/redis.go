package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crashgame/internal/config"
	"crashgame/internal/logger"
)

type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
	log    *zap.Logger
}

var (
	redisAddr     = config.GetEnv("REDIS_URL", "localhost:6379")
	redisPassword = config.GetEnv("REDIS_PASSWORD", "")
	redisDB       = config.GetEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

// options accepts either a redis:// URL or a bare host:port. Explicit
// password and DB settings override what the URL carries.
func options(addr string) (*redis.Options, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	}
	if redisPassword != "" {
		opts.Password = redisPassword
	}
	if redisDB != 0 {
		opts.DB = redisDB
	}
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return opts, nil
}

// New connects to Redis once per process. A nil result means the cache is
// unavailable and the caller runs on the stores alone.
func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}
	log := logger.Named("cache")

	opts, err := options(redisAddr)
	if err != nil {
		log.Warn("bad redis settings, running without cache", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, running without cache", zap.String("addr", opts.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}

	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	cacheInstance = &service{client: client, log: log}
	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// Health reports reachability, round-trip time, pool usage and how many
// tables currently have a cached round.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]string{
			"status": "down",
			"error":  fmt.Sprintf("redis down: %v", err),
		}
	}
	rtt := time.Since(start)

	pool := s.client.PoolStats()
	stats := map[string]string{
		"status":      "up",
		"ping":        rtt.String(),
		"total_conns": strconv.FormatUint(uint64(pool.TotalConns), 10),
		"idle_conns":  strconv.FormatUint(uint64(pool.IdleConns), 10),
		"timeouts":    strconv.FormatUint(uint64(pool.Timeouts), 10),
	}

	keys, _, err := s.client.Scan(ctx, 0, REDIS_KEY_CURRENT_PREFIX+"*", 100).Result()
	if err == nil {
		stats["cached_tables"] = strconv.Itoa(len(keys))
	}
	return stats
}

func (s *service) Close() error {
	s.log.Info("closing redis client")
	cacheInstance = nil
	return s.client.Close()
}
