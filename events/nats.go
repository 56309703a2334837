package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATSBus publishes JSON events on a NATS subject.
type NATSBus struct {
	conn    natsConn
	subject string
	logger  *slog.Logger
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url, subject string, logger *slog.Logger) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("ads"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSBus(&natsConnAdapter{nc}, subject, logger), nil
}

func newNATSBus(c natsConn, subject string, logger *slog.Logger) *NATSBus {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{conn: c, subject: subject, logger: logger}
}

func (b *NATSBus) Publish(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.conn.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe invokes handler on the NATS delivery goroutine.
func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	var stopped atomic.Bool
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		if stopped.Load() {
			return
		}
		ev, err := parse(msg.Data)
		if err != nil {
			b.logger.Warn("dropping nats event", "err", err)
			return
		}
		if err := handler(ctx, ev); err != nil {
			b.logger.Warn("event handler failed", "type", ev.Type, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}

	stop := make(chan struct{})
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			stopped.Store(true)
			_ = sub.Unsubscribe()
			close(stop)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-stop:
		}
	}()
	return unsub, nil
}

func (b *NATSBus) Close() error {
	return b.conn.Close()
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a *natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, cb)
}

func (a *natsConnAdapter) Close() error {
	a.Conn.Close()
	return nil
}
