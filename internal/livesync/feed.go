package livesync

import (
	"context"
	"errors"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

var errSubscriptionEnded = errors.New("subscription ended")

// follow keeps a feed subscription open for the activation identified by
// epoch until ctx is cancelled. Failed or dropped subscriptions are retried
// with exponential backoff; after MaxResubscribes consecutive failures the
// activation degrades to snapshot-only mode. done is closed once no
// subscription is held anymore.
func (s *Synchronizer) follow(ctx context.Context, epoch uint64, userID string, done chan struct{}) {
	defer close(done)

	log := s.log.With(logger.String("user_id", userID), logger.Uint64("epoch", epoch))
	handler := func(ev domain.Event) { s.apply(epoch, ev) }

	failures := 0
	wait := s.opts.ResubscribeInterval
	resync := false

	for {
		sub, err := s.feed.Subscribe(ctx, userID, handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.RecordResubscribe("failed")
			s.feedFailed(epoch, domain.Subscription("subscribe", err))

			if failures > s.opts.MaxResubscribes {
				s.setMode(epoch, ModeSnapshotOnly)
				log.Error("change feed unavailable, continuing in snapshot-only mode",
					logger.Int("attempts", failures),
					logger.Error(err))
				return
			}

			log.Warn("change feed subscription failed, retrying",
				logger.Int("attempt", failures),
				logger.Duration("next_retry_in", wait),
				logger.Error(err))
			if !sleep(ctx, wait) {
				return
			}
			wait = nextWait(wait, s.opts.ResubscribeMaxWait)
			resync = true
			continue
		}

		if resync {
			metrics.RecordResubscribe("ok")
			log.Info("change feed resubscribed", logger.Int("failed_attempts", failures))
		}
		// Events published while we were not listening are lost.
		if s.catchUp(ctx, epoch, resync) {
			log.Debug("catching up on changes missed before the subscription")
		}
		failures = 0
		wait = s.opts.ResubscribeInterval
		s.setMode(epoch, ModeLive)

		select {
		case <-ctx.Done():
			closeSubscription(sub, log)
			return

		case <-sub.Done():
			cause := sub.Err()
			closeSubscription(sub, log)
			if ctx.Err() != nil {
				return
			}
			if cause == nil {
				cause = errSubscriptionEnded
			}
			s.feedFailed(epoch, domain.Subscription("receive", cause))
			log.Warn("change feed dropped, resubscribing",
				logger.Duration("next_retry_in", wait),
				logger.Error(cause))
			if !sleep(ctx, wait) {
				return
			}
			resync = true
		}
	}
}

// feedFailed switches the activation to reconnecting and surfaces err.
func (s *Synchronizer) feedFailed(epoch uint64, err error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.mode = ModeReconnecting
	s.noticeLocked(err)
	s.mu.Unlock()

	s.notify()
}

func (s *Synchronizer) setMode(epoch uint64, mode Mode) {
	s.mu.Lock()
	if s.epoch != epoch || s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	s.mu.Unlock()

	s.notify()
}

func closeSubscription(sub Subscription, log logger.Logger) {
	if err := sub.Close(); err != nil {
		log.Warn("failed to close change feed subscription", logger.Error(err))
	}
}

// sleep waits for d or ctx, whichever comes first. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextWait doubles wait, capped at limit.
func nextWait(wait, limit time.Duration) time.Duration {
	wait *= 2
	if wait > limit {
		wait = limit
	}
	return wait
}
