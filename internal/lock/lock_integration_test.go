//go:build integration

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestLocker_Integration_Exclusive(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, time.Minute, 10*time.Millisecond)

	first, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if _, err := locker.TryAcquire(ctx, "12345"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryAcquire() error = %v, want ErrLocked", err)
	}

	other, err := locker.TryAcquire(ctx, "67890")
	if err != nil {
		t.Fatalf("TryAcquire() on other target error = %v", err)
	}
	defer other.Release(ctx)

	if err := first.Extend(ctx); err != nil {
		t.Errorf("Extend() error = %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("second Release() error = %v, want ErrNotHeld", err)
	}

	again, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	again.Release(ctx)
}

func TestLocker_Integration_AcquireWaits(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, time.Minute, 10*time.Millisecond)

	held, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release(ctx)
	}()

	lease, err := locker.Acquire(ctx, "12345", 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release(ctx)
}

func TestLocker_Integration_ExpiredLeaseCannotRelease(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, 50*time.Millisecond, 10*time.Millisecond)

	stale, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	fresh, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatalf("TryAcquire() after expiry error = %v", err)
	}

	if err := stale.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale Release() error = %v, want ErrNotHeld", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Errorf("fresh Release() error = %v", err)
	}
}

func TestLocker_Integration_KeepAlive(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, 150*time.Millisecond, 10*time.Millisecond)

	lease, err := locker.TryAcquire(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}

	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		lease.KeepAlive(keepCtx)
		close(done)
	}()

	time.Sleep(400 * time.Millisecond)
	if _, err := locker.TryAcquire(ctx, "12345"); !errors.Is(err, ErrLocked) {
		t.Errorf("TryAcquire() while kept alive error = %v, want ErrLocked", err)
	}

	stop()
	<-done
	if err := lease.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}
