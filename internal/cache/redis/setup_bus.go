package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"leversim/internal/domain"
)

// setupChannel is the Pub/Sub channel external detectors publish setups to.
const setupChannel = "setups"

// setupStream is the Redis stream that keeps a bounded history of published
// setups, enforced via XADD MAXLEN ~.
const setupStream = "setups:history"

const setupStreamMaxLen int64 = 10000

// SetupBus delivers detector setups to the simulator over Redis Pub/Sub,
// mirroring each message into a capped stream so a restarted consumer can
// inspect recent history.
type SetupBus struct {
	rdb *redis.Client
}

// NewSetupBus creates a SetupBus backed by the given Client.
func NewSetupBus(c *Client) *SetupBus {
	return &SetupBus{rdb: c.Underlying()}
}

// Publish sends a setup to the live channel and appends it to the history
// stream.
func (sb *SetupBus) Publish(ctx context.Context, setup domain.Setup) error {
	payload, err := json.Marshal(setup)
	if err != nil {
		return fmt.Errorf("redis: marshal setup %s: %w", setup.Symbol, err)
	}

	pipe := sb.rdb.Pipeline()
	pipe.Publish(ctx, setupChannel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: setupStream,
		MaxLen: setupStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish setup %s: %w", setup.Symbol, err)
	}
	return nil
}

// Subscribe creates a Pub/Sub subscription for setups and returns a read-only
// channel. Payloads that fail to decode are dropped. The subscription closes
// when the context is cancelled; the returned channel is closed at that point
// as well.
func (sb *SetupBus) Subscribe(ctx context.Context) (<-chan domain.Setup, error) {
	pubsub := sb.rdb.Subscribe(ctx, setupChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", setupChannel, err)
	}

	out := make(chan domain.Setup, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var setup domain.Setup
				if err := json.Unmarshal([]byte(msg.Payload), &setup); err != nil {
					continue
				}
				select {
				case out <- setup:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// History reads up to count setups from the history stream starting after
// lastID. Use "0" as lastID to read from the beginning. It returns an empty
// slice (not an error) when no messages are available.
func (sb *SetupBus) History(ctx context.Context, lastID string, count int) ([]domain.Setup, error) {
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{setupStream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s: %w", setupStream, err)
	}

	var setups []domain.Setup
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var setup domain.Setup
			if err := json.Unmarshal([]byte(payload), &setup); err != nil {
				continue
			}
			setups = append(setups, setup)
		}
	}

	return setups, nil
}
