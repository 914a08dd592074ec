// Package redis bridges run-update notifications across processes over
// Redis pub/sub, so a monitor in one process observes transitions written by
// a store in another. Delivery inherits pub/sub semantics: best-effort,
// at-most-once per connected subscriber; polling remains the backstop.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/run"
)

const (
	channelPrefix  = "searchrun:updates:"
	publishTimeout = 2 * time.Second
)

// Publisher writes run snapshots to per-run channels. It satisfies
// feed.Publisher so the store needs no Redis awareness.
type Publisher struct {
	client *goredis.Client
	logger *zap.Logger
}

// NewPublisher wires a Redis client.
func NewPublisher(client *goredis.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish sends the snapshot; failures are logged and swallowed, matching
// the best-effort contract.
func (p *Publisher) Publish(r run.Run) {
	payload, err := json.Marshal(r)
	if err != nil {
		p.logger.Warn("encode run update failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, channelPrefix+r.ID.String(), payload).Err(); err != nil {
		p.logger.Warn("publish run update failed",
			zap.String("run_id", r.ID.String()),
			zap.Error(err),
		)
	}
}

// Subscriber relays snapshots from Redis into a local hub.
type Subscriber struct {
	client *goredis.Client
	hub    *feed.Hub
	logger *zap.Logger
	sub    *goredis.PubSub
	doneCh chan struct{}
}

// NewSubscriber wires a Redis client to the local hub.
func NewSubscriber(client *goredis.Client, hub *feed.Hub, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, hub: hub, logger: logger, doneCh: make(chan struct{})}
}

// Start subscribes to all run channels and relays until Close or context
// cancellation.
func (s *Subscriber) Start(ctx context.Context) error {
	s.sub = s.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := s.sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe run updates: %w", err)
	}
	ch := s.sub.Channel()
	go func() {
		defer close(s.doneCh)
		for msg := range ch {
			var r run.Run
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				s.logger.Warn("decode run update failed", zap.Error(err))
				continue
			}
			s.hub.Publish(r)
		}
	}()
	return nil
}

// Close stops the subscription and waits for the relay goroutine.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Close(); err != nil {
		return fmt.Errorf("close run subscription: %w", err)
	}
	<-s.doneCh
	return nil
}
