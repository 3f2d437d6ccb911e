package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsSubscriber consumes change events published under <subject>.>.
type NatsSubscriber struct {
	nc      *nats.Conn
	subject string
	handler Handler
	timeout time.Duration

	sub *nats.Subscription
}

func NewNatsSubscriber(url, subject string, handler Handler, timeout time.Duration) (*NatsSubscriber, error) {
	nc, err := nats.Connect(url,
		nats.Name("smarty-google-feed-generator"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS connection lost", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNatsSubscriber(nc, subject, handler, timeout), nil
}

func newNatsSubscriber(nc *nats.Conn, subject string, handler Handler, timeout time.Duration) *NatsSubscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NatsSubscriber{
		nc:      nc,
		subject: subject,
		handler: handler,
		timeout: timeout,
	}
}

// Start subscribes and handles messages until ctx is cancelled or Close is
// called.
func (s *NatsSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject+".>", func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.>: %w", s.subject, err)
	}
	s.sub = sub

	slog.Info("Listening for catalog events", "subject", s.subject+".>")
	return nil
}

func (s *NatsSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	event, err := Decode(msg.Data)
	if err != nil {
		slog.Warn("Dropping malformed catalog event", "subject", msg.Subject, "error", err)
		s.reply(msg, err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err = Dispatch(hctx, s.handler, event)
	if err != nil {
		slog.Error("Catalog event failed", "subject", msg.Subject, "type", event.Type, "entity", event.EntityID, "error", err)
	} else {
		slog.Debug("Catalog event handled", "subject", msg.Subject, "type", event.Type, "duration", time.Since(start))
	}
	s.reply(msg, err)
}

func (s *NatsSubscriber) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	body := []byte("ok")
	if err != nil {
		body = []byte("error: " + err.Error())
	}
	if rerr := msg.Respond(body); rerr != nil {
		slog.Warn("Failed to reply to catalog event", "subject", msg.Subject, "error", rerr)
	}
}

// Close drains the subscription and closes the connection.
func (s *NatsSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			slog.Warn("Failed to drain NATS subscription", "error", err)
		}
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
