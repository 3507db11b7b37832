package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisConfig mirrors the subset of go-redis options the store needs.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces keys so several bots can share one Redis.
	KeyPrefix string `yaml:"key_prefix"`
	// TTL bounds how long stale resume state lives. Discord sessions
	// expire server-side within minutes, so a short TTL is enough.
	TTL time.Duration `yaml:"ttl"`
}

// Redis persists session state in Redis so a restarted process can
// resume instead of burning identify budget.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings the Redis backend.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "concord:session"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     16,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: redis ping: %w", err)
	}
	return &Redis{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (r *Redis) key(shardID int) string {
	return fmt.Sprintf("%s:%d", r.prefix, shardID)
}

func (r *Redis) Save(ctx context.Context, shardID int, state SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(shardID), data, r.ttl).Err()
}

func (r *Redis) Load(ctx context.Context, shardID int) (SessionState, bool, error) {
	data, err := r.client.Get(ctx, r.key(shardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, err
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return SessionState{}, false, err
	}
	return st, st.Valid(), nil
}

func (r *Redis) Clear(ctx context.Context, shardID int) error {
	return r.client.Del(ctx, r.key(shardID)).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }
