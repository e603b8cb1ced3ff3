// Package redis implements the job queue, response cache and lease ports on
// Redis. All keys live under one prefix wrapped in a hash tag so the Lua
// scripts stay valid on a cluster.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// Connect parses url, opens a client and verifies it with PING.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	c := goredis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return c, nil
}

// keyspace builds keys under "<prefix>{<area>}:".
type keyspace string

func newKeyspace(prefix, area string) keyspace {
	return keyspace(prefix + ":{" + area + "}:")
}

func (k keyspace) key(parts ...string) string {
	s := string(k)
	for i, p := range parts {
		if i > 0 {
			s += ":"
		}
		s += p
	}
	return s
}
