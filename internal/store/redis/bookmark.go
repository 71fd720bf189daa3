package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/redis/go-redis/v9"
)

// FetchAll returns every bookmark owned by userID, newest first.
func (s *Store) FetchAll(ctx context.Context, userID string) ([]domain.Record, error) {
	ids, err := s.client.ZRevRange(ctx, UserBookmarksKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmark IDs: %w", err)
	}

	if len(ids) == 0 {
		return []domain.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = BookmarkKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmarks: %w", err)
	}

	records := make([]domain.Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: deleted in between
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("skipping unreadable bookmark", logger.String("key", keys[i]), logger.Error(err))
			continue
		}
		if rec.OwnerID != userID {
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool { return domain.Newer(records[i], records[j]) })

	return records, nil
}

// Insert stores a new bookmark for userID and publishes an added event.
// p is expected to be normalized already.
func (s *Store) Insert(ctx context.Context, userID string, p domain.Payload) (domain.Record, error) {
	rec := domain.Record{
		ID:        newID(),
		OwnerID:   userID,
		URL:       p.URL,
		Title:     p.Title,
		CreatedAt: s.now(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to marshal bookmark: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, BookmarkKey(rec.ID), data, 0)
		pipe.ZAdd(ctx, UserBookmarksKey(userID), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to save bookmark: %w", err)
	}

	s.publish(ctx, userID, domain.Added(rec))

	return rec, nil
}

// Delete removes the bookmark id on behalf of userID and publishes a removed event.
// It fails with domain.ErrNotFound when id does not exist and with
// domain.ErrForbidden when it belongs to someone else.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != userID {
		return fmt.Errorf("delete bookmark %s: %w", id, domain.ErrForbidden)
	}

	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, BookmarkKey(id))
		pipe.ZRem(ctx, UserBookmarksKey(userID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	if del.Val() == 0 {
		// Someone else deleted it since we read it; they published already.
		return fmt.Errorf("delete bookmark %s: %w", id, domain.ErrNotFound)
	}

	s.publish(ctx, userID, domain.Removed(id, userID))

	return nil
}

func (s *Store) get(ctx context.Context, id string) (domain.Record, error) {
	data, err := s.client.Get(ctx, BookmarkKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Record{}, fmt.Errorf("bookmark %s: %w", id, domain.ErrNotFound)
		}
		return domain.Record{}, fmt.Errorf("failed to get bookmark: %w", err)
	}

	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("failed to unmarshal bookmark: %w", err)
	}

	return rec, nil
}
