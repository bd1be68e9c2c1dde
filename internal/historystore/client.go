package historystore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient parses a redis:// URL and opens a connection configured like
// the teacher's redis.NewClient: bounded dial/read/write timeouts and a
// small fixed pool, since the history store is a best-effort side lookup,
// never on the critical path of spawning a process.
func NewClient(url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("historystore: parse %s: %w", url, err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("history store connection failed; estimates will run without history",
			zap.String("addr", opts.Addr), zap.Error(err), zap.Duration("ping_rtt", time.Since(start)))
	} else {
		log.Info("history store connection established",
			zap.String("addr", opts.Addr), zap.Duration("ping_rtt", time.Since(start)))
	}

	return client, nil
}
