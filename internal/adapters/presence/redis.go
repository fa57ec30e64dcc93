// Package presence reads the platform's shared online markers from
// Redis. A marker is written by the gateway that owns the user's
// socket and expires with it; a missing key simply means offline.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/akosev/ringlet/internal/domain"
	"github.com/go-redis/redis/v8"
)

type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(id domain.UserID) string {
	return fmt.Sprintf("presence:%s", id)
}

func (p *RedisPresence) IsOnline(ctx context.Context, id domain.UserID) (bool, error) {
	err := p.client.Get(ctx, presenceKey(id)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
