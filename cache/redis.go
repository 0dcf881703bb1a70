// Package cache holds the shared Redis connection used for chat history and
// the embedding cache.
package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 2 * time.Second

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// OptionsFromEnv builds client options. REDIS_URL wins when set; otherwise
// REDIS_ADDR (default localhost:6379), REDIS_PASSWORD and REDIS_DB are used.
func OptionsFromEnv() (*redis.Options, error) {
	if raw := strings.TrimSpace(os.Getenv("REDIS_URL")); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("cache: parse REDIS_URL: %w", err)
		}
		return opts, nil
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		parsed, err := strconv.Atoi(rawDB)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("cache: REDIS_DB is invalid: %s", rawDB)
		}
		db = parsed
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// GetRedisClient returns the process-wide client, pinging it once on first
// use. A failed ping is remembered so callers can fall back to in-process
// state.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		opts, err := OptionsFromEnv()
		if err != nil {
			redisErr = err
			return
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s failed: %w", opts.Addr, err)
			_ = client.Close()
			return
		}
		redisClient = client
	})
	return redisClient, redisErr
}

func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}
