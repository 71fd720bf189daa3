// Package memory provides an in-process Store and change feed.
// Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/google/uuid"
)

// Store keeps bookmarks in maps and publishes every change to a Feed.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.Record       // id -> record
	byOwner map[string]map[string]struct{} // owner -> ids
	feed    *Feed
	now     func() time.Time
}

// NewStore creates an empty store publishing to feed.
func NewStore(feed *Feed) *Store {
	return &Store{
		records: make(map[string]domain.Record),
		byOwner: make(map[string]map[string]struct{}),
		feed:    feed,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) FetchAll(ctx context.Context, userID string) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Record, 0, len(s.byOwner[userID]))
	for id := range s.byOwner[userID] {
		out = append(out, s.records[id])
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return domain.Newer(out[i], out[j]) })
	return out, nil
}

func (s *Store) Insert(ctx context.Context, userID string, p domain.Payload) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	rec := domain.Record{
		ID:        uuid.NewString(),
		OwnerID:   userID,
		URL:       p.URL,
		Title:     p.Title,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	ids, ok := s.byOwner[userID]
	if !ok {
		ids = make(map[string]struct{})
		s.byOwner[userID] = ids
	}
	ids[rec.ID] = struct{}{}
	s.mu.Unlock()

	s.feed.Publish(userID, domain.Added(rec))
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("bookmark %s: %w", id, domain.ErrNotFound)
	}
	if rec.OwnerID != userID {
		s.mu.Unlock()
		return fmt.Errorf("delete bookmark %s: %w", id, domain.ErrForbidden)
	}
	delete(s.records, id)
	delete(s.byOwner[userID], id)
	s.mu.Unlock()

	s.feed.Publish(userID, domain.Removed(id, userID))
	return nil
}

// Count returns the number of bookmarks owned by userID.
func (s *Store) Count(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byOwner[userID])), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
