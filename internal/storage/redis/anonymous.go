package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnonymousCounter counts anonymous generations per IP and calendar month.
// Keys expire at the start of the following month.
type AnonymousCounter struct {
	client *Client
	prefix string
}

func NewAnonymousCounter(client *Client) *AnonymousCounter {
	return &AnonymousCounter{client: client, prefix: "anon:usage"}
}

func (c *AnonymousCounter) key(ip string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, now.UTC().Format("2006-01"), ip)
}

func monthEnd(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// reserveScript increments the counter only while it is below the limit.
var reserveScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
    return {n, 0}
end
n = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return {n, 1}
`)

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
    return redis.call('DECR', KEYS[1])
end
return 0
`)

// Reserve claims one anonymous generation for ip if fewer than limit were
// used this month. It returns the count after the call.
func (c *AnonymousCounter) Reserve(ctx context.Context, ip string, now time.Time, limit int64) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{c.key(ip, now)}, limit, monthEnd(now).Unix()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected reserve reply %v", res)
	}
	return res[0], res[1] == 1, nil
}

// Release gives back a reservation. A counter that already expired is left
// alone.
func (c *AnonymousCounter) Release(ctx context.Context, ip string, now time.Time) error {
	err := releaseScript.Run(ctx, c.client, []string{c.key(ip, now)}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
