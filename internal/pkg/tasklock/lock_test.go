package tasklock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAcquireSingleHolder(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	taskID := "task_" + t.Name()

	lease, ok, err := locker.Acquire(ctx, taskID)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	defer lease.Release(ctx)

	// A second holder is refused while the lease is live.
	_, ok, err = locker.Acquire(ctx, taskID)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should be refused")
	}
}

func TestReleaseFreesLease(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	taskID := "task_" + t.Name()

	lease, ok, err := locker.Acquire(ctx, taskID)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	lease2, ok, err := locker.Acquire(ctx, taskID)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("lease should be free after release")
	}
	lease2.Release(ctx)
}

func TestDifferentTasksDoNotContend(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	a, ok, err := locker.Acquire(ctx, "task_a_"+t.Name())
	if err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	defer a.Release(ctx)

	b, ok, err := locker.Acquire(ctx, "task_b_"+t.Name())
	if err != nil || !ok {
		t.Fatalf("acquire b: ok=%v err=%v", ok, err)
	}
	defer b.Release(ctx)
}

// Without Redis every acquire succeeds: single-instance deployments need no
// cross-instance dedupe.
func TestNilRedisAlwaysAcquires(t *testing.T) {
	locker := NewLocker(nil, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, ok, err := locker.Acquire(ctx, "task_x")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("acquire %d refused", i)
		}
		if err := lease.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
}
