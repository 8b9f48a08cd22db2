package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const (
	eventField = "event"
	readCount  = 16
)

// RedisDispatcher spreads events over one stream per partition and reads them
// through a consumer group. Entries are acknowledged only after the handler
// returns, so a crash mid-cycle leaves them pending for redelivery: by the
// same consumer on restart, or by any consumer once they sit idle for
// claimIdle.
type RedisDispatcher struct {
	client     *redis.Client
	prefix     string
	group      string
	consumer   string
	partitions int
	block      time.Duration
	claimIdle  time.Duration
}

var _ core.Dispatcher = (*RedisDispatcher)(nil)

func NewRedisClient(ctx context.Context, cfg *config.QueueConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedis creates the consumer group on every partition stream.
func NewRedis(ctx context.Context, client *redis.Client, cfg *config.QueueConfig) (*RedisDispatcher, error) {
	d := &RedisDispatcher{
		client:     client,
		prefix:     cfg.StreamPrefix,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		partitions: max(cfg.Partitions, 1),
		block:      cfg.Block,
		claimIdle:  cfg.ClaimIdle,
	}
	if d.consumer == "" {
		d.consumer = "tuskmem"
	}

	for p := 0; p < d.partitions; p++ {
		err := client.XGroupCreateMkStream(ctx, d.stream(p), d.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create consumer group on %s: %w", d.stream(p), err)
		}
	}
	return d, nil
}

func (d *RedisDispatcher) stream(partition int) string {
	return fmt.Sprintf("%s:%d", d.prefix, partition)
}

func (d *RedisDispatcher) Publish(ctx context.Context, event core.SummarizeEvent) error {
	if event.EnqueuedAt.IsZero() {
		event.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	stream := d.stream(Partition(event.ConversationID, d.partitions))
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{eventField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

func (d *RedisDispatcher) Consume(ctx context.Context, handler core.EventHandler) error {
	var wg sync.WaitGroup
	for p := 0; p < d.partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			d.consumePartition(ctx, p, handler)
		}(p)
	}
	wg.Wait()
	return nil
}

func (d *RedisDispatcher) consumePartition(ctx context.Context, partition int, handler core.EventHandler) {
	logger := log.FromCtx(ctx)
	stream := d.stream(partition)

	// "0" replays entries this consumer read but never acknowledged.
	lastID := "0"
	var lastClaim time.Time
	for ctx.Err() == nil {
		if lastID == ">" && d.claimIdle > 0 && time.Since(lastClaim) >= d.claimIdle {
			lastClaim = time.Now()
			if !d.handle(ctx, stream, partition, d.claimStale(ctx, stream), handler) {
				return
			}
		}

		res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.group,
			Consumer: d.consumer,
			Streams:  []string{stream, lastID},
			Count:    readCount,
			Block:    d.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("stream", stream).Msg("failed to read stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var msgs []redis.XMessage
		if len(res) > 0 {
			msgs = res[0].Messages
		}
		if lastID != ">" {
			if len(msgs) == 0 {
				lastID = ">"
				continue
			}
			lastID = msgs[len(msgs)-1].ID
		}

		if !d.handle(ctx, stream, partition, msgs, handler) {
			return
		}
	}
}

// handle delivers and acknowledges msgs in order. It returns false when ctx
// ends; the current entry is left pending.
func (d *RedisDispatcher) handle(ctx context.Context, stream string, partition int, msgs []redis.XMessage, handler core.EventHandler) bool {
	for _, msg := range msgs {
		if event, ok := decodeEvent(ctx, msg); ok {
			deliver(ctx, handler, partition, event)
		}
		if ctx.Err() != nil {
			return false
		}
		if err := d.client.XAck(ctx, stream, d.group, msg.ID).Err(); err != nil {
			log.FromCtx(ctx).Warn().Err(err).Str("id", msg.ID).Msg("failed to ack event")
		}
	}
	return true
}

// claimStale takes over entries another consumer read but left unacknowledged
// for at least claimIdle, e.g. a node that crashed and never came back under
// the same consumer name.
func (d *RedisDispatcher) claimStale(ctx context.Context, stream string) []redis.XMessage {
	var claimed []redis.XMessage
	start := "0-0"
	for {
		msgs, next, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    d.group,
			Consumer: d.consumer,
			MinIdle:  d.claimIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.FromCtx(ctx).Warn().Err(err).Str("stream", stream).Msg("failed to claim stale events")
			}
			return claimed
		}
		claimed = append(claimed, msgs...)
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}
	if len(claimed) > 0 {
		log.FromCtx(ctx).Info().Str("stream", stream).Int("count", len(claimed)).Msg("claimed stale events")
	}
	return claimed
}

func decodeEvent(ctx context.Context, msg redis.XMessage) (core.SummarizeEvent, bool) {
	var event core.SummarizeEvent
	raw, _ := msg.Values[eventField].(string)
	if err := json.Unmarshal([]byte(raw), &event); err != nil || event.ConversationID == "" {
		log.FromCtx(ctx).Warn().Err(err).Str("id", msg.ID).Msg("dropping malformed event")
		return event, false
	}
	return event, true
}
