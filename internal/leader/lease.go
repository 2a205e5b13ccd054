// Package leader elects a single scheduler among engine replicas via a
// Redis lease. The scheduler loop must run once per deployment; workers
// need no election because the store's row locking already keeps them
// disjoint.
package leader

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a renewable exclusive claim on a Redis key. IsLeader acquires
// the lease if free, renews it if held by this instance, and reports false
// otherwise.
type Lease struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

// NewLease constructs a lease for this instance id. The ttl bounds how long
// a crashed leader blocks the next election.
func NewLease(client *redis.Client, key, id string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, id: id, ttl: ttl}
}

// IsLeader reports whether this instance currently holds the lease,
// acquiring or renewing it as a side effect. Redis errors count as not
// leading; a scheduler tick is skipped, never double-run.
func (l *Lease) IsLeader(ctx context.Context) bool {
	res, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false
	}
	n, ok := res.(int64)
	return ok && n == 1
}

// Release gives up the lease if this instance holds it.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err()
}

var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if holder == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
