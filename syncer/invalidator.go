package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultInvalidationChannel = "fluxflag:invalidate"
	listenRetryDelay           = time.Second
)

// Invalidator fans cache-invalidation notices out to every node sharing a
// Redis deployment: a write on one node publishes, every other node's
// Invalidator wakes up and can trigger its own resync or cache purge. This
// is the cross-process analogue of the teacher's Postgres LISTEN/NOTIFY
// cache-invalidation listener, same publish-on-write/subscribe-and-reload
// shape, over a different broker. Attaching one is optional — the client
// façade has no dependency on it.
type Invalidator struct {
	client  *redis.Client
	channel string
}

// NewInvalidator creates an Invalidator publishing/subscribing on the
// default "fluxflag:invalidate" channel.
func NewInvalidator(client *redis.Client) *Invalidator {
	return NewInvalidatorWithChannel(client, defaultInvalidationChannel)
}

// NewInvalidatorWithChannel creates an Invalidator using a custom pub/sub
// channel name, for deployments running more than one fluxflag cluster
// against a shared Redis instance.
func NewInvalidatorWithChannel(client *redis.Client, channel string) *Invalidator {
	if channel == "" {
		channel = defaultInvalidationChannel
	}
	return &Invalidator{client: client, channel: channel}
}

// Publish announces that flagKey changed on this node, prompting every
// other subscribed node to resync. An empty flagKey announces a
// store-wide change (e.g. after a Merge or Restore).
func (inv *Invalidator) Publish(ctx context.Context, flagKey string) error {
	if err := inv.client.Publish(ctx, inv.channel, flagKey).Err(); err != nil {
		return fmt.Errorf("syncer: publish invalidation: %w", err)
	}
	return nil
}

// Subscribe starts listening on the invalidation channel and returns a
// channel of changed flag keys (empty string for a store-wide change).
// The returned channel is closed when ctx is cancelled. Connection drops
// are retried with a fixed backoff rather than propagated, mirroring the
// teacher's LISTEN/NOTIFY retry loop — a transient Redis blip should not
// require the host to re-wire its subscription.
func (inv *Invalidator) Subscribe(ctx context.Context) <-chan string {
	notifications := make(chan string, 1)
	go inv.runListener(ctx, notifications)
	return notifications
}

func (inv *Invalidator) runListener(ctx context.Context, notifications chan<- string) {
	defer close(notifications)

	for {
		if err := inv.listen(ctx, notifications); err == nil || ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (inv *Invalidator) listen(ctx context.Context, notifications chan<- string) error {
	pubsub := inv.client.Subscribe(ctx, inv.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %q: %w", inv.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %q closed", inv.channel)
			}
			select {
			case notifications <- msg.Payload:
			default:
			}
		}
	}
}

// Close releases the underlying Redis client.
func (inv *Invalidator) Close() error {
	return inv.client.Close()
}
