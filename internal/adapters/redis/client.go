package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

// Client wraps a RedLock manager for replay leases and a standard Redis
// client for the dead-letter list.
type Client struct {
	lockManager *redlock.RedLock
	rdb         *redis.Client
	addr        string
}

// New connects to Redis and initialises the lock manager
func New(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// A single instance works for RedLock but is not fault tolerant; list
	// more addresses here for a multi-master setup.
	redisAddrs := []string{fmt.Sprintf("tcp://%s", cfg.GetAddr())}

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("address", cfg.GetAddr()),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		lockManager: lockManager,
		rdb:         rdb,
		addr:        cfg.GetAddr(),
	}, nil
}

// LockFactory returns a factory for replay leases
func (c *Client) LockFactory() LockFactory {
	return NewRedisLockFactory(c.lockManager)
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", c.addr, err)
	}
	return nil
}

// Close closes redis connections. The RedLock manager has no explicit
// close; its connections go with the process.
func (c *Client) Close() error {
	if c.rdb != nil {
		logger.Info("closing redis client")
		if err := c.rdb.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}
