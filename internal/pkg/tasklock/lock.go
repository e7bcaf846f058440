package tasklock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "task:lock:"

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short leases keyed by task ID so only one instance runs the
// post-completion media continuation for a given task.
type Locker struct {
	redis *redis.Client
	lease time.Duration
}

// NewLocker creates a Locker. A nil redis client disables locking (single
// instance deployments); every Acquire then succeeds.
func NewLocker(redisClient *redis.Client, lease time.Duration) *Locker {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Locker{redis: redisClient, lease: lease}
}

// Lease is a held lock. Release is safe to call once; an expired lease
// releases nothing.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lease for taskID. Returns ok=false when another holder
// already has it.
func (l *Locker) Acquire(ctx context.Context, taskID string) (*Lease, bool, error) {
	if l.redis == nil {
		return &Lease{}, true, nil
	}

	key := keyPrefix + taskID
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.lease).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{locker: l, key: key, token: token}, true, nil
}

// Release gives the lease back before it expires.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil || le.locker.redis == nil {
		return nil
	}
	return releaseScript.Run(ctx, le.locker.redis, []string{le.key}, le.token).Err()
}
