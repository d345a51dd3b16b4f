//go:build integration

package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisAddr string

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start redis container: %v", err)
		return 1
	}
	defer func() { _ = redisContainer.Terminate(ctx) }()

	host, err := redisContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := redisContainer.MappedPort(ctx, "6379/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	redisAddr = fmt.Sprintf("%s:%s", host, mappedPort.Port())
	return m.Run()
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	return redis.NewClient(&redis.Options{Addr: redisAddr})
}

func TestInvalidatorPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subscriber := NewInvalidator(newTestClient(t))
	defer subscriber.Close()
	publisher := NewInvalidator(newTestClient(t))
	defer publisher.Close()

	notifications := subscriber.Subscribe(ctx)

	// Give the subscription time to establish before publishing.
	time.Sleep(200 * time.Millisecond)

	if err := publisher.Publish(ctx, "feature-x"); err != nil {
		t.Fatalf("Publish(): %v", err)
	}

	select {
	case key := <-notifications:
		if key != "feature-x" {
			t.Fatalf("notification = %q, want feature-x", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive invalidation notification in time")
	}
}

func TestInvalidatorSubscribeClosesOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inv := NewInvalidator(newTestClient(t))
	defer inv.Close()

	notifications := inv.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-notifications:
		if ok {
			t.Fatal("expected channel to close after context cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notifications channel did not close after cancellation")
	}
}

func TestInvalidatorUsesCustomChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subscriber := NewInvalidatorWithChannel(newTestClient(t), "fluxflag:custom")
	defer subscriber.Close()
	publisher := NewInvalidatorWithChannel(newTestClient(t), "fluxflag:custom")
	defer publisher.Close()

	notifications := subscriber.Subscribe(ctx)
	time.Sleep(200 * time.Millisecond)

	if err := publisher.Publish(ctx, ""); err != nil {
		t.Fatalf("Publish(): %v", err)
	}

	select {
	case key := <-notifications:
		if key != "" {
			t.Fatalf("notification = %q, want empty (store-wide change)", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive invalidation notification in time")
	}
}
