package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config selects how the shared KV store is reached. URL wins when set;
// otherwise Addrs decide the topology (go-redis picks Sentinel when
// MasterName is set, Cluster for multiple addresses, standalone for one).
type Config struct {
	URL        string
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int
}

const opTimeout = 5 * time.Second

// Connect opens the KV connection and verifies it with a ping. Dial, read
// and write timeouts are pinned to a short bound; a stalled KV must surface
// as an error on the lifecycle path, not a hang.
func Connect(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	var client goredis.UniversalClient

	switch {
	case cfg.URL != "":
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.DialTimeout = opTimeout
		opts.ReadTimeout = opTimeout
		opts.WriteTimeout = opTimeout
		client = goredis.NewClient(opts)

	case len(cfg.Addrs) > 0:
		client = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:        cfg.Addrs,
			MasterName:   cfg.MasterName,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  opTimeout,
			ReadTimeout:  opTimeout,
			WriteTimeout: opTimeout,
		})

	default:
		return nil, fmt.Errorf("redis: set REDIS_URL or REDIS_ADDRS")
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
