//go:build integration

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	store := NewRedisStore(setupRedisContainer(t))
	ctx := context.Background()
	key := NewKey("get_account", nil)

	if err := store.Set(ctx, key, NewEntry([]byte(`{"cash":"10000.00"}`), time.Minute, "account")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Data) != `{"cash":"10000.00"}` {
		t.Errorf("Unexpected data: %q", entry.Data)
	}
	if entry.Kind != "account" {
		t.Errorf("Expected kind 'account', got %q", entry.Kind)
	}
}

func TestRedisStore_Integration_Expiry(t *testing.T) {
	store := NewRedisStore(setupRedisContainer(t))
	ctx := context.Background()
	key := NewKey("get_quotes", map[string]string{"symbols": "AAPL"})

	if err := store.Set(ctx, key, NewEntry([]byte("quote"), time.Second, "quotes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after expiry, got %v", err)
	}
}

func TestRedisStore_Integration_SharedBetweenStores(t *testing.T) {
	client := setupRedisContainer(t)
	ctx := context.Background()
	key := NewKey("get_positions", nil)

	writer := NewRedisStore(client)
	if err := writer.Set(ctx, key, NewEntry([]byte("positions"), time.Minute, "positions")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A second store over the same backend sees the entry, the point of
	// sharing the cache between processes.
	reader := NewRedisStore(client)
	entry, err := reader.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get from second store failed: %v", err)
	}
	if string(entry.Data) != "positions" {
		t.Errorf("Unexpected data: %q", entry.Data)
	}
}
