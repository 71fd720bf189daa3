package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/logger"
)

const (
	// DefaultIdleTTL is how long a session may go unseen before it is released
	DefaultIdleTTL = 15 * time.Minute
)

// Sweeper releases idle sessions. *session.Manager implements it.
type Sweeper interface {
	Sweep(now time.Time, idleTTL time.Duration) int
	Count() int
}

// SessionReaper deactivates synchronizers nobody looked at for a while,
// which covers clients that went away without saying so.
type SessionReaper struct {
	sessions Sweeper
	logger   logger.Logger
	interval time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	stopCh   chan struct{}
}

// NewSessionReaper creates a new session reaper
func NewSessionReaper(
	sessions Sweeper,
	log logger.Logger,
	interval time.Duration,
	idleTTL time.Duration,
) *SessionReaper {
	if idleTTL == 0 {
		idleTTL = DefaultIdleTTL
	}

	return &SessionReaper{
		sessions: sessions,
		logger:   log,
		interval: interval,
		idleTTL:  idleTTL,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep
func (sr *SessionReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(sr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sr.Reap()
			case <-sr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reaper
func (sr *SessionReaper) Stop() {
	close(sr.stopCh)
}

// Reap releases the idle sessions once and returns how many were released.
func (sr *SessionReaper) Reap() int {
	released := sr.sessions.Sweep(sr.now(), sr.idleTTL)

	if released > 0 {
		sr.logger.Info("released idle sessions",
			logger.Int("released", released),
			logger.Int("remaining", sr.sessions.Count()),
			logger.Duration("idle_ttl", sr.idleTTL))
	} else {
		sr.logger.Debug("no idle sessions to release")
	}

	return released
}
