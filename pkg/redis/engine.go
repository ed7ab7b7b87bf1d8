package redis

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"julianmorley.ca/con-plar/storefront/pkg/global"
)

// NewClient builds the shared client; callers close it on shutdown
func NewClient(cfg *global.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       0,
		Protocol: 2,
	})
}

func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "ping redis at %s", client.Options().Addr)
	}
	return nil
}
