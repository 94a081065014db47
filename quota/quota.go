// Package quota enforces the per-user daily message allowance on Redis.
package quota

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quiverai/ragcore/common/errs"
)

//go:embed quota.lua
var quotaScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Counter tracks per-user daily message counts. Counts reset at local
// midnight; keys carry the date so a clock skew cannot leak a stale
// counter into the next day.
type Counter struct {
	rdb    *redis.Client
	script *redis.Script
	limit  int64
	logger Logger
	now    func() time.Time
}

// NewCounter creates a quota counter. limit <= 0 disables enforcement.
func NewCounter(rdb *redis.Client, limit int64, logger Logger) *Counter {
	return &Counter{
		rdb:    rdb,
		script: redis.NewScript(quotaScript),
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

func (c *Counter) key(user string) string {
	return fmt.Sprintf("quota:daily:%s:%s", user, c.now().Format("2006-01-02"))
}

// Check returns ErrQuotaExceeded when the user has already spent the
// day's allowance. It does not consume quota.
func (c *Counter) Check(ctx context.Context, user string) error {
	if c.limit <= 0 {
		return nil
	}

	count, err := c.rdb.Get(ctx, c.key(user)).Int64()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.ErrServiceUnavailable, err, "quota check failed")
	}

	if count >= c.limit {
		c.logger.Warn("daily quota exhausted", "user", user, "count", count, "limit", c.limit)
		return errs.New(errs.ErrQuotaExceeded, "daily message limit of %d reached", c.limit)
	}
	return nil
}

// Record consumes one unit of quota. Callers invoke it after a message
// completes so a failed answer does not count against the user.
func (c *Counter) Record(ctx context.Context, user string) error {
	if c.limit <= 0 {
		return nil
	}

	ttl := secondsUntilMidnight(c.now())
	count, err := c.script.Run(ctx, c.rdb, []string{c.key(user)}, ttl).Int64()
	if err != nil {
		c.logger.Error("quota increment failed", "user", user, "error", err)
		return errs.Wrap(errs.ErrServiceUnavailable, err, "quota increment failed")
	}

	c.logger.Debug("quota consumed", "user", user, "count", count, "limit", c.limit)
	return nil
}

// Remaining reports how much allowance the user has left today.
func (c *Counter) Remaining(ctx context.Context, user string) (int64, error) {
	if c.limit <= 0 {
		return -1, nil
	}

	count, err := c.rdb.Get(ctx, c.key(user)).Int64()
	if err == redis.Nil {
		return c.limit, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.ErrServiceUnavailable, err, "quota lookup failed")
	}

	remaining := c.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// secondsUntilMidnight is the TTL that makes a counter die with its day.
// A one-minute floor covers callers running right at the boundary.
func secondsUntilMidnight(now time.Time) int64 {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day+1, 0, 0, 0, 0, now.Location())
	secs := int64(midnight.Sub(now).Seconds())
	if secs < 60 {
		secs = 60
	}
	return secs
}
