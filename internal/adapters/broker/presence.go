package broker

import (
	"context"
	"errors"

	"github.com/dkeye/Tether/internal/domain"
	"github.com/redis/go-redis/v9"
)

// decrScript never lets a count go below zero and drops the key once the
// user has no connection left.
var decrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// Counter keeps per-user connection counts in redis so every instance
// agrees on when a user goes online or offline.
type Counter struct {
	client redis.Cmdable
	prefix string
}

func NewCounter(client redis.Cmdable, prefix string) *Counter {
	return &Counter{client: client, prefix: prefix}
}

func (c *Counter) key(u domain.UserID) string {
	return c.prefix + string(u)
}

func (c *Counter) Incr(ctx context.Context, u domain.UserID) (int64, error) {
	return c.client.Incr(ctx, c.key(u)).Result()
}

func (c *Counter) Decr(ctx context.Context, u domain.UserID) (int64, error) {
	return decrScript.Run(ctx, c.client, []string{c.key(u)}).Int64()
}

func (c *Counter) Count(ctx context.Context, u domain.UserID) (int64, error) {
	n, err := c.client.Get(ctx, c.key(u)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
