// Package redis keeps the counters that must be shared by every API
// replica.
package redis

import (
	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

// NewClient accepts a redis:// URL or a bare host:port address.
func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	return &Client{redis.NewClient(opt)}
}
