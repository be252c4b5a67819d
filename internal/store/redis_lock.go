/**
 * @description
 * Redis-backed per-deposit dispatch lock. The status compare-and-swap is the
 * authoritative guard against double payout; this lock keeps redundant
 * triggers (cron, consumer, manual endpoint) from polling the same deposit in
 * parallel, and stands in for CAS on backends that cannot offer it.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: SET NX with TTL and a Lua release script.
 */

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DepositLocker serializes work on a single deposit across processes.
type DepositLocker interface {
	// TryLock returns a release func when the lock was acquired, or ok=false
	// when another holder owns it.
	TryLock(ctx context.Context, depositID string) (release func(context.Context) error, ok bool, err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDepositLocker implements DepositLocker with SET NX PX.
type RedisDepositLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDepositLocker builds a locker. ttl bounds how long a crashed holder
// can block the deposit and must exceed one full dispatch run.
func NewRedisDepositLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDepositLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "payout:dispatch_lock"
	}
	prefix = strings.TrimSuffix(prefix, ":")
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisDepositLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisDepositLocker) key(depositID string) string {
	return l.prefix + ":" + depositID
}

func (l *RedisDepositLocker) TryLock(ctx context.Context, depositID string) (func(context.Context) error, bool, error) {
	key := l.key(depositID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire dispatch lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseLockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release dispatch lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
