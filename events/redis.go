package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus publishes JSON events on a Redis pub/sub channel.
type RedisBus struct {
	client  redisClient
	subject string
	logger  *slog.Logger
}

// NewRedisBus connects to the Redis server at url (redis://host:port/db).
func NewRedisBus(url, subject string, logger *slog.Logger) (*RedisBus, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisBus(&redisClientAdapter{redis.NewClient(opts)}, subject, logger), nil
}

func newRedisBus(c redisClient, subject string, logger *slog.Logger) *RedisBus {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: c, subject: subject, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.subject, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	ps := b.client.Subscribe(ctx, b.subject)
	if ps == nil {
		return nil, fmt.Errorf("redis subscribe %s failed", b.subject)
	}
	msgs := ps.Channel()
	stop := make(chan struct{})
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			_ = ps.Close()
			close(stop)
		})
	}
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := parse([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping redis event", "err", err)
					continue
				}
				if err := handler(ctx, ev); err != nil {
					b.logger.Warn("event handler failed", "type", ev.Type, "err", err)
				}
			}
		}
	}()
	return unsub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}
