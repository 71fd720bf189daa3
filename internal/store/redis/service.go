package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store persists bookmarks in Redis and announces every change on the
// owner's feed channel.
type Store struct {
	client *redis.Client
	log    logger.Logger
	now    func() time.Time
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, log logger.Logger) *Store {
	return &Store{
		client: client,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks that Redis answers
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Count returns the number of bookmarks owned by userID
func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.ZCard(ctx, UserBookmarksKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count bookmarks: %w", err)
	}
	return n, nil
}

// publish announces ev to the owner's live sessions. The write it follows is
// already durable, so a failure is logged and sessions catch up on their
// next snapshot.
func (s *Store) publish(ctx context.Context, userID string, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to marshal change event",
			logger.String("user_id", userID),
			logger.Error(err))
		return
	}
	if err := s.client.Publish(ctx, FeedChannel(userID), data).Err(); err != nil {
		s.log.Warn("failed to publish change event",
			logger.String("user_id", userID),
			logger.String("type", string(ev.Kind)),
			logger.String("id", ev.ID),
			logger.Error(err))
	}
}

func newID() string {
	return uuid.NewString()
}
