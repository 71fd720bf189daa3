package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Feed delivers the change events published by Store over Redis pub/sub.
type Feed struct {
	client *redis.Client
	log    logger.Logger
}

// NewFeed creates a change feed reading from client.
func NewFeed(client *redis.Client, log logger.Logger) *Feed {
	return &Feed{client: client, log: log}
}

// Subscribe listens on the user's channel. It returns once Redis confirmed
// the subscription; events are then passed to handler from a single goroutine.
func (f *Feed) Subscribe(ctx context.Context, userID string, handler func(domain.Event)) (livesync.Subscription, error) {
	channel := FeedChannel(userID)
	ps := f.client.Subscribe(ctx, channel)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		ps:      ps,
		handler: handler,
		log:     f.log.With(logger.String("channel", channel)),
		done:    make(chan struct{}),
	}
	go sub.run()

	return sub, nil
}

type subscription struct {
	ps      *redis.PubSub
	handler func(domain.Event)
	log     logger.Logger
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
	once   sync.Once
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		msg, err := s.ps.ReceiveMessage(context.Background())
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = domain.Subscription("receive", err)
			}
			s.mu.Unlock()
			return
		}

		var ev domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.log.Warn("dropping undecodable change event", logger.Error(err))
			continue
		}
		s.handler(ev)
	}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and waits for the receive loop to exit, so handler is
// never called after Close returns.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if cerr := s.ps.Close(); cerr != nil && !errors.Is(cerr, redis.ErrClosed) {
			err = fmt.Errorf("failed to close subscription: %w", cerr)
		}
	})
	<-s.done
	return err
}
