// Package redistest starts a disposable Redis container shared by
// integration tests. Tests skip when Docker is unavailable so unit runs stay
// green on machines without it.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	client    *redis.Client
	startErr  error
	container testcontainers.Container
)

// Client returns a Redis client backed by a shared container, flushing the
// database first for test isolation. The test is skipped when Docker is not
// available.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	once.Do(start)
	if startErr != nil {
		t.Skipf("redis container unavailable, skipping integration test: %v", startErr)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return client
}

func start() {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			startErr = fmt.Errorf("docker not available: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	var err error
	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		startErr = err
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		startErr = err
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		startErr = err
		return
	}
	client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := client.Ping(ctx).Err(); err != nil {
		startErr = err
	}
}
