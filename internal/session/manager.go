// Package session keeps one live synchronizer per user, shared by every
// open session of that user.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session manager is closed")

// Manager is a registry of activated synchronizers keyed by user id.
type Manager struct {
	store  livesync.Store
	feed   livesync.Feed
	opts   livesync.Options
	logger logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	sync     *livesync.Synchronizer
	lastSeen time.Time
}

// NewManager creates an empty manager. Synchronizers it creates share store and feed.
func NewManager(store livesync.Store, feed livesync.Feed, opts livesync.Options, log logger.Logger) *Manager {
	return &Manager{
		store:   store,
		feed:    feed,
		opts:    opts,
		logger:  log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the synchronizer of userID, creating and activating it
// on first use, and marks it as seen.
func (m *Manager) Acquire(userID string) (*livesync.Synchronizer, error) {
	userID = strings.TrimSpace(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if e, ok := m.entries[userID]; ok {
		e.lastSeen = m.now()
		return e.sync, nil
	}

	s := livesync.New(m.store, m.feed, m.logger, m.opts)
	if err := s.Activate(userID); err != nil {
		return nil, err
	}
	m.entries[userID] = &entry{sync: s, lastSeen: m.now()}
	metrics.ActiveSessions.Set(float64(len(m.entries)))

	m.logger.Info("session opened",
		logger.String("user_id", userID),
		logger.Int("sessions", len(m.entries)))

	return s, nil
}

// Touch marks the synchronizer of userID as seen, if there is one.
func (m *Manager) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		e.lastSeen = m.now()
	}
}

// Release deactivates and forgets the synchronizer of userID.
// It reports whether there was one.
func (m *Manager) Release(userID string) bool {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if ok {
		delete(m.entries, userID)
		metrics.ActiveSessions.Set(float64(len(m.entries)))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.sync.Deactivate()
	m.logger.Info("session released", logger.String("user_id", userID))
	return true
}

// Sweep deactivates every synchronizer not seen since now-idleTTL and
// returns how many were released.
func (m *Manager) Sweep(now time.Time, idleTTL time.Duration) int {
	var idle []*livesync.Synchronizer

	m.mu.Lock()
	for userID, e := range m.entries {
		if now.Sub(e.lastSeen) < idleTTL {
			continue
		}
		delete(m.entries, userID)
		idle = append(idle, e.sync)
	}
	metrics.ActiveSessions.Set(float64(len(m.entries)))
	m.mu.Unlock()

	for _, s := range idle {
		s.Deactivate()
	}
	return len(idle)
}

// Count returns the number of active synchronizers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close deactivates every synchronizer. Acquire fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*livesync.Synchronizer, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e.sync)
	}
	m.entries = make(map[string]*entry)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *livesync.Synchronizer) {
			defer wg.Done()
			s.Deactivate()
		}(s)
	}
	wg.Wait()

	m.logger.Info("all sessions closed", logger.Int("count", len(all)))
}
