package livesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/index"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

// Synchronizer owns the collection of one user for the lifetime of an activation.
//
// Every observation is folded in under mu as a single transaction:
// records are unioned by ID and removals are differenced by ID, so the
// collection converges no matter which channel reports a change first,
// how often, or whether it reports it at all.
type Synchronizer struct {
	store Store
	feed  Feed
	log   logger.Logger
	opts  Options

	// lifeMu serializes Activate and Deactivate.
	lifeMu sync.Mutex

	mu           sync.Mutex
	epoch        uint64 // bumped on every Activate and Deactivate
	state        State
	mode         Mode
	userID       string
	coll         *index.Collection
	tombstones   map[string]struct{} // ids observed as removed; kept until Deactivate
	observed     map[string]uint64   // id -> observation number of its last add
	obsSeq       uint64
	fetchSeq     uint64 // last started snapshot fetch
	appliedFetch uint64 // last applied snapshot fetch
	pending      int    // local mutations in flight
	notices      []Notice
	noticeSeq    uint64
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{} // closed once the feed goroutine released its subscription

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// New creates an inactive Synchronizer.
func New(store Store, feed Feed, log logger.Logger, opts Options) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		feed:     feed,
		log:      log,
		opts:     opts.withDefaults(),
		state:    StateInactive,
		mode:     ModeOff,
		watchers: make(map[chan struct{}]struct{}),
	}
	s.resetLocked()
	return s
}

// Activate starts a new activation for userID and returns immediately.
// Any previous activation is deactivated first. The snapshot fetch and the
// feed subscription run in the background.
func (s *Synchronizer) Activate(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("activate: empty user id")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.deactivate()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.resetLocked()
	s.userID = userID
	s.state = StateLoading
	s.mode = ModeConnecting
	s.ctx, s.cancel, s.done = ctx, cancel, done
	s.mu.Unlock()

	s.log.Info("synchronizer activated",
		logger.String("user_id", userID),
		logger.Uint64("epoch", epoch))

	go s.follow(ctx, epoch, userID, done)
	go s.reconcile(ctx, epoch)

	s.notify()
	return nil
}

// Deactivate ends the current activation. It cancels in-flight snapshot
// fetches, discards the collection and blocks until the feed subscription
// has been released. It is a no-op when already inactive.
func (s *Synchronizer) Deactivate() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.deactivate()
}

func (s *Synchronizer) deactivate() {
	s.mu.Lock()
	if s.state == StateInactive {
		s.mu.Unlock()
		return
	}
	s.epoch++
	epoch := s.epoch
	userID := s.userID
	cancel, done := s.cancel, s.done
	s.state = StateInactive
	s.mode = ModeOff
	s.userID = ""
	s.ctx, s.cancel, s.done = nil, nil, nil
	s.resetLocked()
	s.mu.Unlock()

	cancel()
	<-done

	s.log.Info("synchronizer deactivated",
		logger.String("user_id", userID),
		logger.Uint64("epoch", epoch))

	s.notify()
}

// HandleEvent folds a feed event into the current activation.
func (s *Synchronizer) HandleEvent(ev domain.Event) {
	s.mu.Lock()
	changed := s.applyLocked(ev)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// apply is the feed callback of the activation identified by epoch.
func (s *Synchronizer) apply(epoch uint64, ev domain.Event) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		metrics.RecordFeedEvent(string(ev.Kind), "stale")
		return
	}
	changed := s.applyLocked(ev)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Synchronizer) applyLocked(ev domain.Event) bool {
	outcome := s.foldLocked(ev)
	metrics.RecordFeedEvent(string(ev.Kind), outcome)
	if outcome == "foreign" {
		s.log.Warn("dropping feed event outside of the active scope",
			logger.String("user_id", s.userID),
			logger.String("owner_id", ev.Owner()),
			logger.String("id", ev.ID))
	}
	return outcome == "applied"
}

func (s *Synchronizer) foldLocked(ev domain.Event) string {
	if s.state == StateInactive {
		return "stale"
	}
	if owner := ev.Owner(); owner != "" && owner != s.userID {
		return "foreign"
	}

	switch ev.Kind {
	case domain.EventAdded:
		if ev.Record == nil || ev.Record.ID == "" {
			return "malformed"
		}
		r := *ev.Record
		if _, dead := s.tombstones[r.ID]; dead {
			return "tombstoned"
		}
		if !s.coll.Add(r) {
			return "duplicate"
		}
		s.obsSeq++
		s.observed[r.ID] = s.obsSeq
		return "applied"

	case domain.EventRemoved:
		if ev.ID == "" {
			return "malformed"
		}
		s.tombstones[ev.ID] = struct{}{}
		delete(s.observed, ev.ID)
		if !s.coll.Remove(ev.ID) {
			return "absent"
		}
		return "applied"

	default:
		return "unknown"
	}
}

// Create validates p, writes it to the Store and folds the result in.
// The write result is not trusted for ordering: a corrective snapshot
// fetch follows every successful create.
func (s *Synchronizer) Create(ctx context.Context, p domain.Payload) (domain.Record, error) {
	norm, err := p.Normalize()
	if err != nil {
		metrics.RecordMutation("create", "invalid")
		s.surface(err)
		return domain.Record{}, err
	}

	epoch, userID, actx, err := s.begin()
	if err != nil {
		return domain.Record{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	start := time.Now()
	rec, err := s.store.Insert(reqCtx, userID, norm)
	cancel()
	metrics.RecordStore("insert", time.Since(start).Seconds())

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if err != nil {
			return domain.Record{}, domain.Classify("create", err)
		}
		return rec, nil
	}
	s.pending--
	if err != nil {
		err = domain.Classify("create", err)
		s.noticeLocked(err)
		s.mu.Unlock()

		metrics.RecordMutation("create", "failed")
		s.log.Warn("create failed",
			logger.String("user_id", userID),
			logger.Error(err))
		s.notify()
		return domain.Record{}, err
	}
	s.applyLocked(domain.Added(rec))
	s.mu.Unlock()

	metrics.RecordMutation("create", "ok")
	s.notify()
	go s.reconcile(actx, epoch)
	return rec, nil
}

// Delete asks the Store to delete id on behalf of the active user.
// The Store decides whether the user may delete it. A record the Store
// no longer has is removed from the collection as well.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		err := domain.Validation("id", fmt.Errorf("id is required"))
		metrics.RecordMutation("delete", "invalid")
		s.surface(err)
		return err
	}

	epoch, userID, actx, err := s.begin()
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	start := time.Now()
	err = s.store.Delete(reqCtx, userID, id)
	cancel()
	metrics.RecordStore("delete", time.Since(start).Seconds())

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return domain.Classify("delete", err)
	}
	s.pending--
	if err != nil {
		gone := errors.Is(err, domain.ErrNotFound)
		err = domain.Classify("delete", err)
		s.noticeLocked(err)
		if gone {
			// Already deleted elsewhere and its removal never reached us.
			s.applyLocked(domain.Removed(id, userID))
		}
		s.mu.Unlock()

		metrics.RecordMutation("delete", "failed")
		s.log.Warn("delete failed",
			logger.String("user_id", userID),
			logger.String("id", id),
			logger.Bool("already_gone", gone),
			logger.Error(err))
		s.notify()
		if gone {
			go s.reconcile(actx, epoch)
		}
		return err
	}
	s.applyLocked(domain.Removed(id, userID))
	s.mu.Unlock()

	metrics.RecordMutation("delete", "ok")
	s.notify()
	if s.opts.ReconcileOnDelete {
		go s.reconcile(actx, epoch)
	}
	return nil
}

// Reconcile schedules a corrective snapshot fetch.
func (s *Synchronizer) Reconcile() error {
	s.mu.Lock()
	if s.state == StateInactive {
		s.mu.Unlock()
		return domain.ErrInactive
	}
	epoch, ctx := s.epoch, s.ctx
	s.mu.Unlock()

	go s.reconcile(ctx, epoch)
	return nil
}

// fetchTicket identifies one snapshot fetch of an activation.
type fetchTicket struct {
	id     uint64
	since  uint64 // obsSeq when the fetch started
	userID string
}

// reconcile fetches a snapshot and folds it in, unless the activation
// identified by epoch is gone by the time it resolves.
func (s *Synchronizer) reconcile(ctx context.Context, epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	t := s.startFetchLocked()
	s.mu.Unlock()

	s.fetch(ctx, epoch, t)
}

func (s *Synchronizer) startFetchLocked() fetchTicket {
	s.fetchSeq++
	return fetchTicket{id: s.fetchSeq, since: s.obsSeq, userID: s.userID}
}

// catchUp schedules a snapshot fetch once a feed subscription is confirmed.
// Changes published before that point were never delivered, so a snapshot
// started earlier may miss them. Unless force is set, nothing is scheduled
// when no fetch has started yet: the pending one will read after the
// subscription.
func (s *Synchronizer) catchUp(ctx context.Context, epoch uint64, force bool) bool {
	s.mu.Lock()
	if s.epoch != epoch || (!force && s.fetchSeq == 0) {
		s.mu.Unlock()
		return false
	}
	t := s.startFetchLocked()
	s.mu.Unlock()

	go s.fetch(ctx, epoch, t)
	return true
}

func (s *Synchronizer) fetch(ctx context.Context, epoch uint64, t fetchTicket) {
	fetchID, since, userID := t.id, t.since, t.userID

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	start := time.Now()
	records, err := s.store.FetchAll(reqCtx, userID)
	cancel()
	metrics.RecordStore("fetch_all", time.Since(start).Seconds())

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		metrics.RecordSnapshot("stale")
		s.log.Debug("discarding snapshot of a superseded activation",
			logger.String("user_id", userID),
			logger.Uint64("epoch", epoch))
		return
	}
	if err != nil {
		if s.state == StateLoading {
			s.state = StateSynced
		}
		err = domain.Transient("fetch", err)
		s.noticeLocked(err)
		s.mu.Unlock()

		metrics.RecordSnapshot("failed")
		s.log.Warn("snapshot fetch failed",
			logger.String("user_id", userID),
			logger.Error(err))
		s.notify()
		return
	}
	if fetchID < s.appliedFetch {
		s.mu.Unlock()
		metrics.RecordSnapshot("superseded")
		return
	}
	s.appliedFetch = fetchID
	s.applySnapshotLocked(records, since)
	s.state = StateSynced
	count := s.coll.Len()
	s.mu.Unlock()

	metrics.RecordSnapshot("applied")
	s.log.Debug("snapshot applied",
		logger.String("user_id", userID),
		logger.Int("count", count))
	s.notify()
}

// applySnapshotLocked replaces the collection with records, keeping what
// was observed after the fetch began (obsSeq > since) and dropping ids
// known to be removed.
func (s *Synchronizer) applySnapshotLocked(records []domain.Record, since uint64) {
	next := make([]domain.Record, 0, len(records))
	inSnapshot := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.OwnerID != s.userID {
			continue
		}
		if _, dead := s.tombstones[r.ID]; dead {
			continue
		}
		inSnapshot[r.ID] = struct{}{}
		next = append(next, r)
	}
	for _, r := range s.coll.Items() {
		if _, ok := inSnapshot[r.ID]; ok {
			continue
		}
		if s.observed[r.ID] > since {
			next = append(next, r)
		}
	}
	s.coll.Replace(next)

	for id := range s.observed {
		if !s.coll.Contains(id) {
			delete(s.observed, id)
		}
	}
}

// View returns a copy of the current state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	if state == StateSynced && s.pending > 0 {
		state = StatePending
	}
	items := s.coll.Items()
	notices := make([]Notice, len(s.notices))
	copy(notices, s.notices)

	return View{
		UserID:   s.userID,
		State:    state,
		Mode:     s.mode,
		Loading:  s.state == StateLoading,
		Items:    items,
		Count:    len(items),
		SyncedAt: s.coll.LastReplace(),
		Notices:  notices,
		Epoch:    s.epoch,
	}
}

// UserID returns the active user, or "" when inactive.
func (s *Synchronizer) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}

// Dismiss removes the notice with id. It reports whether it was present.
func (s *Synchronizer) Dismiss(id uint64) bool {
	s.mu.Lock()
	found := false
	for i, n := range s.notices {
		if n.ID == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify()
	}
	return found
}

// Watch returns a channel that receives a value after state changes.
// Notifications are coalesced; call View to read the state.
// The returned func stops the notifications.
func (s *Synchronizer) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, ch)
			s.watchMu.Unlock()
		})
	}
}

func (s *Synchronizer) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// begin registers a pending mutation on the current activation.
func (s *Synchronizer) begin() (uint64, string, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateInactive {
		return 0, "", nil, domain.ErrInactive
	}
	s.pending++
	return s.epoch, s.userID, s.ctx, nil
}

// surface records err as a notice on the current activation, if any.
func (s *Synchronizer) surface(err error) {
	s.mu.Lock()
	if s.state == StateInactive {
		s.mu.Unlock()
		return
	}
	s.noticeLocked(err)
	s.mu.Unlock()

	s.notify()
}

func (s *Synchronizer) noticeLocked(err error) {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindTransient
	}
	s.noticeSeq++
	s.notices = append(s.notices, Notice{
		ID:      s.noticeSeq,
		Kind:    kind,
		Message: err.Error(),
		At:      time.Now(),
	})
	if over := len(s.notices) - s.opts.MaxNotices; over > 0 {
		s.notices = append([]Notice(nil), s.notices[over:]...)
	}
}

func (s *Synchronizer) resetLocked() {
	s.coll = index.NewCollection()
	s.tombstones = make(map[string]struct{})
	s.observed = make(map[string]uint64)
	s.obsSeq = 0
	s.fetchSeq = 0
	s.appliedFetch = 0
	s.pending = 0
	s.notices = nil
}
