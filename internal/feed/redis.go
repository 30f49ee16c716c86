package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "feed")

// RedisBroker publishes snapshots on one pub/sub channel per device so every
// API instance sharing the redis store can stream any device.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker uses client with channels named "<prefix>:feed:<deviceID>".
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) channel(deviceID string) string {
	return b.prefix + ":feed:" + deviceID
}

func (b *RedisBroker) Publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(snap.DeviceID), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, deviceID string) (<-chan Snapshot, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(deviceID))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan Snapshot, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					log.Warnf("Dropping malformed snapshot on %s: %v", msg.Channel, err)
					continue
				}
				deliver(out, snap)
			}
		}
	}()
	return out, cancel, nil
}

// Close is a no-op; the client belongs to the store.
func (b *RedisBroker) Close() error {
	return nil
}
