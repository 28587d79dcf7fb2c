package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/ports"
)

const streamPrefix = "rowflow:events:"

// StreamsEventBus implements ports.EventBus on Redis Streams. Subscribers
// share a consumer group, so each event is handled by one consumer of the
// group and acknowledged after its handler returns nil.
type StreamsEventBus struct {
	client        redis.UniversalClient
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels []context.CancelFunc
}

// Option configures a StreamsEventBus.
type Option func(*StreamsEventBus)

// WithMaxLen caps each stream at roughly n entries.
func WithMaxLen(n int64) Option {
	return func(e *StreamsEventBus) { e.maxLen = n }
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client redis.UniversalClient, consumerGroup, consumerName string, logger *zap.Logger, opts ...Option) *StreamsEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish appends an event to the topic's stream.
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	streamKey := StreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"type":   string(event.Type),
			"run_id": event.RunID,
			"data":   string(data),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", streamKey, err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("run_id", event.RunID),
		zap.String("stream", streamKey))
	return nil
}

// Subscribe creates the consumer group if needed and reads the topic's
// stream until ctx is cancelled or the bus is closed.
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := StreamKey(topic)

	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	readCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStream(readCtx, streamKey, handler)
	}()
	return nil
}

func (e *StreamsEventBus) readStream(ctx context.Context, streamKey string, handler ports.EventHandler) {
	for ctx.Err() == nil {
		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	log := e.logger.With(zap.String("stream", streamKey), zap.String("message_id", message.ID))

	data, ok := message.Values["data"].(string)
	if !ok {
		log.Error("invalid message format")
		e.ack(ctx, streamKey, message.ID, log)
		return
	}

	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		log.Error("failed to unmarshal event", zap.Error(err))
		e.ack(ctx, streamKey, message.ID, log)
		return
	}

	// Unacknowledged messages stay pending for the group.
	if err := handler(ctx, event); err != nil {
		log.Warn("event handler failed", zap.Error(err))
		return
	}
	e.ack(ctx, streamKey, message.ID, log)
}

func (e *StreamsEventBus) ack(ctx context.Context, streamKey, id string, log *zap.Logger) {
	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, id).Err(); err != nil {
		log.Error("failed to acknowledge message", zap.Error(err))
	}
}

// Close stops all readers and waits for them. The Redis client is owned by
// the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// StreamKey returns the Redis stream key for a topic.
func StreamKey(topic string) string {
	return streamPrefix + topic
}
