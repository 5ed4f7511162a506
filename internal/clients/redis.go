package clients

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker/v2"
)

// RedisConfig holds the per-worker Redis pool configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// PooledRedis implements Redis on go-redis with a per-worker connection
// pool. Pools are never shared across workers.
type PooledRedis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

// NewRedis creates the Redis collaborator.
func NewRedis(cfg RedisConfig) *PooledRedis {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &PooledRedis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		breaker: newBreaker("redis"),
		timeout: cfg.Timeout,
	}
}

// Command implements Redis. The callback fires exactly once from a
// dedicated goroutine. Nil replies (missing keys) surface as a nil reply
// with no error.
func (p *PooledRedis) Command(key string, write bool, args []interface{}, cb RedisCallback) {
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		out, err := p.breaker.Execute(func() (any, error) {
			res, err := p.client.Do(ctx, args...).Result()
			if err == redis.Nil {
				return nil, nil
			}
			return res, err
		})
		observe("redis", start, err)
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				err = ErrCircuitOpen
			}
			cb(nil, err)
			return
		}
		cb(out, nil)
	}()
}

// Close releases the pool.
func (p *PooledRedis) Close() error {
	return p.client.Close()
}
