package livesync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, offset time.Duration) domain.Record {
	return domain.Record{
		ID:        id,
		OwnerID:   "u1",
		URL:       "https://" + id + ".example.com",
		Title:     "bookmark " + id,
		CreatedAt: t0.Add(offset),
	}
}

// fakeStore is an in-memory Store with knobs for latency and failures.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string][]domain.Record // owner -> records
	nextID    int
	fetchGate chan struct{} // FetchAll waits on it when set
	block     bool          // FetchAll waits for ctx when set
	fetchErr  error
	insertErr error
	deleteErr error
	fetches   int
	inserts   int
	deletes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]domain.Record)}
}

func (f *fakeStore) seed(owner string, recs ...domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		r.OwnerID = owner
		f.records[owner] = append(f.records[owner], r)
	}
}

func (f *fakeStore) counts() (fetches, inserts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.inserts, f.deletes
}

func (f *fakeStore) set(fn func(f *fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeStore) FetchAll(ctx context.Context, userID string) ([]domain.Record, error) {
	f.mu.Lock()
	f.fetches++
	gate, block, err := f.fetchGate, f.block, f.fetchErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Record, len(f.records[userID]))
	copy(out, f.records[userID])
	return out, nil
}

func (f *fakeStore) Insert(_ context.Context, userID string, p domain.Payload) (domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	if f.insertErr != nil {
		return domain.Record{}, f.insertErr
	}
	f.nextID++
	r := domain.Record{
		ID:        strconv.Itoa(f.nextID),
		OwnerID:   userID,
		URL:       p.URL,
		Title:     p.Title,
		CreatedAt: t0.Add(time.Duration(f.nextID) * time.Hour),
	}
	f.records[userID] = append(f.records[userID], r)
	return r, nil
}

func (f *fakeStore) Delete(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for owner, recs := range f.records {
		for i, r := range recs {
			if r.ID != id {
				continue
			}
			if owner != userID {
				return domain.ErrForbidden
			}
			f.records[owner] = append(recs[:i], recs[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// fakeFeed hands out fakeSubs and can fail a number of subscriptions.
type fakeFeed struct {
	mu         sync.Mutex
	failures   int
	alwaysFail bool
	calls      int
	subs       []*fakeSub
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{}
}

func (f *fakeFeed) Subscribe(ctx context.Context, userID string, handler func(domain.Event)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.alwaysFail || f.failures > 0 {
		f.failures--
		return nil, errors.New("feed unavailable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &fakeSub{userID: userID, handler: handler, done: make(chan struct{})}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFeed) all() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func (f *fakeFeed) last() *fakeSub {
	subs := f.all()
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

// gatedFeed holds every Subscribe until gate is closed.
type gatedFeed struct {
	*fakeFeed
	gate chan struct{}
}

func (f *gatedFeed) Subscribe(ctx context.Context, userID string, handler func(domain.Event)) (Subscription, error) {
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.fakeFeed.Subscribe(ctx, userID, handler)
}

type fakeSub struct {
	userID  string
	handler func(domain.Event)
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closed  bool
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drop ends the subscription as if the transport failed.
func (s *fakeSub) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSub) emit(ev domain.Event) {
	s.handler(ev)
}
