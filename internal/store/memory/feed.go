package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
)

// DefaultQueueSize is the number of undelivered events a subscriber may lag behind.
const DefaultQueueSize = 256

// ErrSlowSubscriber ends a subscription whose queue overflowed.
var ErrSlowSubscriber = errors.New("subscriber queue overflow")

// Feed fans out published events to the subscribers of each user.
// Delivery is asynchronous: every subscriber has its own queue and goroutine.
type Feed struct {
	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{}
	queueSize int
}

// NewFeed creates a feed with the given per-subscriber queue size
// (DefaultQueueSize when <= 0).
func NewFeed(queueSize int) *Feed {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Feed{
		subs:      make(map[string]map[*subscriber]struct{}),
		queueSize: queueSize,
	}
}

func (f *Feed) Subscribe(ctx context.Context, userID string, handler func(domain.Event)) (livesync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{
		feed:    f,
		userID:  userID,
		handler: handler,
		queue:   make(chan domain.Event, f.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	set, ok := f.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		f.subs[userID] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Publish queues ev for every subscriber of userID. A subscriber whose
// queue is full is dropped with ErrSlowSubscriber.
func (f *Feed) Publish(userID string, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[userID] {
		select {
		case sub.queue <- ev:
		default:
			f.removeLocked(sub)
			sub.end(domain.Subscription("deliver", ErrSlowSubscriber))
		}
	}
}

// Subscribers returns the number of open subscriptions across all users.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, set := range f.subs {
		n += len(set)
	}
	return n
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(sub)
}

func (f *Feed) removeLocked(sub *subscriber) {
	set := f.subs[sub.userID]
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.userID)
	}
}

type subscriber struct {
	feed    *Feed
	userID  string
	handler func(domain.Event)
	queue   chan domain.Event
	stop    chan struct{}
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *subscriber) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}

// end stops delivery, recording err as the reason.
func (s *subscriber) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscriber) Close() error {
	s.feed.remove(s)
	s.end(nil)
	<-s.done
	return nil
}
