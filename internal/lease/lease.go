// Package lease keeps a single cdrwatch instance polling a given CDR table.
//
// The monitor deletes rows as it reports them, so two loops against the same
// table would race on the same row. A supervisor that restarts the process
// while an old copy is still alive would cause exactly that; the lease makes
// the second copy stand by until the first one stops renewing.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
-- KEYS[1] = lease key
-- ARGV[1] = owner token
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  1 if the caller owns the lease (new or renewed)
--  0 if another owner holds it
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = lease key
-- ARGV[1] = owner token
-- Delete only if still owned by the caller.
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a Redis-backed single-owner lock with a TTL. Owned leases are
// renewed on every Acquire; a crashed owner's lease expires after TTL.
type Lease struct {
	rdb   redis.Scripter
	key   string
	token string
	ttl   time.Duration
}

func New(rdb redis.Scripter, key string, ttl time.Duration) (*Lease, error) {
	if rdb == nil {
		return nil, errors.New("lease: redis client is nil")
	}
	if key == "" {
		return nil, errors.New("lease: key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease: ttl must be > 0")
	}
	return &Lease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl}, nil
}

// Token identifies this process as lease owner.
func (l *Lease) Token() string { return l.token }

// Acquire takes or renews the lease and reports whether this process owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", l.key, err)
	}
	return res == 1, nil
}

// Release drops the lease if this process still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}
