package livesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/logger"
)

func testOptions() Options {
	return Options{
		RequestTimeout:      time.Second,
		ResubscribeInterval: 5 * time.Millisecond,
		ResubscribeMaxWait:  20 * time.Millisecond,
		MaxResubscribes:     3,
		ReconcileOnDelete:   true,
		MaxNotices:          5,
	}
}

func newTestSync(t *testing.T, store Store, feed Feed, opts Options) *Synchronizer {
	t.Helper()
	s := New(store, feed, logger.NewNop(), opts)
	t.Cleanup(s.Deactivate)
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func waitSynced(t *testing.T, s *Synchronizer) {
	t.Helper()
	eventually(t, func() bool { return !s.View().Loading }, "snapshot never resolved")
}

func waitLive(t *testing.T, s *Synchronizer) {
	t.Helper()
	eventually(t, func() bool { return s.View().Mode == ModeLive }, "feed never went live")
}

// waitSettled waits until the feed is live and every snapshot fetch the
// activation started has reached the store.
func waitSettled(t *testing.T, s *Synchronizer, store *fakeStore) {
	t.Helper()
	waitSynced(t, s)
	waitLive(t, s)
	eventually(t, func() bool {
		s.mu.Lock()
		started := s.fetchSeq
		s.mu.Unlock()
		fetches, _, _ := store.counts()
		return uint64(fetches) == started
	}, "snapshot fetches never settled")
}

func viewIDs(v View) []string {
	out := make([]string, len(v.Items))
	for i, r := range v.Items {
		out[i] = r.ID
	}
	return out
}

func TestActivateRejectsEmptyUser(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())

	require.Error(t, s.Activate("  "))
	assert.Equal(t, StateInactive, s.View().State)
}

// Scenario A
func TestActivateWithEmptySnapshot(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	v := s.View()
	assert.Empty(t, v.Items)
	assert.False(t, v.Loading)
	assert.Equal(t, StateSynced, v.State)
	assert.Equal(t, "u1", v.UserID)
}

func TestActivateIsLoadingUntilSnapshotResolves(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0), rec("2", time.Second))
	gate := make(chan struct{})
	store.fetchGate = gate
	s := newTestSync(t, store, newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	v := s.View()
	assert.True(t, v.Loading)
	assert.Equal(t, StateLoading, v.State)
	assert.Empty(t, v.Items)

	close(gate)
	waitSynced(t, s)
	assert.Equal(t, []string{"2", "1"}, viewIDs(s.View()))
}

func TestSnapshotFailureIsRecoverable(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("backend unavailable")
	s := newTestSync(t, store, newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	waitSettled(t, s, store)

	v := s.View()
	assert.Empty(t, v.Items)
	require.NotEmpty(t, v.Notices)
	for _, n := range v.Notices {
		assert.Equal(t, domain.KindTransient, n.Kind)
	}

	// the next reconciliation recovers
	store.set(func(f *fakeStore) { f.fetchErr = nil })
	store.seed("u1", rec("1", 0))
	require.NoError(t, s.Reconcile())
	eventually(t, func() bool { return s.View().Count == 1 }, "reconcile did not recover")
}

func TestSnapshotTimeoutSurfacesTransientError(t *testing.T) {
	store := newFakeStore()
	store.block = true
	opts := testOptions()
	opts.RequestTimeout = 20 * time.Millisecond
	s := newTestSync(t, store, newFakeFeed(), opts)

	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	v := s.View()
	require.NotEmpty(t, v.Notices)
	assert.Equal(t, domain.KindTransient, v.Notices[0].Kind)
	assert.Contains(t, v.Notices[0].Message, context.DeadlineExceeded.Error())
}

// Scenario B
func TestAddedForKnownRecordIsNoop(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	s.HandleEvent(domain.Added(rec("1", 0)))

	assert.Equal(t, 1, s.View().Count)
}

func TestAddedIsIdempotent(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	s.HandleEvent(domain.Added(rec("7", 0)))
	once := s.View().Items
	s.HandleEvent(domain.Added(rec("7", 0)))

	assert.Equal(t, once, s.View().Items)
}

func TestRemovedForAbsentRecordIsNoop(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	s.HandleEvent(domain.Removed("404", "u1"))

	v := s.View()
	assert.Equal(t, []string{"1"}, viewIDs(v))
	assert.Empty(t, v.Notices)
}

func TestAddedInsertsInOrderWithTieBreak(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("b", time.Second), rec("d", 0))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	s.HandleEvent(domain.Added(rec("a", 2*time.Second)))
	s.HandleEvent(domain.Added(rec("c", time.Second)))

	assert.Equal(t, []string{"a", "b", "c", "d"}, viewIDs(s.View()))
}

func TestForeignEventsAreDropped(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	foreign := rec("x", 0)
	foreign.OwnerID = "u2"
	s.HandleEvent(domain.Added(foreign))

	assert.Zero(t, s.View().Count)
}

func TestRemovedBeforeAddedStaysRemoved(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	s.HandleEvent(domain.Removed("9", "u1"))
	s.HandleEvent(domain.Added(rec("9", 0)))

	assert.Zero(t, s.View().Count)
}

func TestFeedEventsReachTheCollection(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSync(t, newFakeStore(), feed, testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)
	waitLive(t, s)

	feed.last().emit(domain.Added(rec("1", 0)))
	feed.last().emit(domain.Added(rec("2", time.Second)))
	feed.last().emit(domain.Removed("1", "u1"))

	assert.Equal(t, []string{"2"}, viewIDs(s.View()))
}

// Scenario C
func TestCreateDefaultsSchemeAndReconciles(t *testing.T) {
	store := newFakeStore()
	store.nextID = 4
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSettled(t, s, store)
	fetchesBefore, _, _ := store.counts()

	r, err := s.Create(context.Background(), domain.Payload{Title: "Example", URL: "example.com"})
	require.NoError(t, err)

	assert.Equal(t, "5", r.ID)
	assert.Equal(t, "https://example.com", r.URL)
	assert.Equal(t, "u1", r.OwnerID)
	assert.Equal(t, []string{"5"}, viewIDs(s.View()))

	eventually(t, func() bool {
		fetches, _, _ := store.counts()
		return fetches > fetchesBefore
	}, "create did not trigger a corrective fetch")

	// the feed echo arriving late changes nothing
	s.HandleEvent(domain.Added(r))
	assert.Equal(t, 1, s.View().Count)
}

func TestCreateValidationBlocksStoreRequest(t *testing.T) {
	store := newFakeStore()
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	_, err := s.Create(context.Background(), domain.Payload{Title: " ", URL: "example.com"})

	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, inserts, _ := store.counts()
	assert.Zero(t, inserts)
	v := s.View()
	require.Len(t, v.Notices, 1)
	assert.Equal(t, domain.KindValidation, v.Notices[0].Kind)
}

func TestCreateFailureLeavesCollectionUnchanged(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)
	store.set(func(f *fakeStore) { f.insertErr = errors.New("write timeout") })

	_, err := s.Create(context.Background(), domain.Payload{Title: "x", URL: "x.example.com"})

	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	v := s.View()
	assert.Equal(t, []string{"1"}, viewIDs(v))
	assert.Equal(t, StateSynced, v.State)
	require.Len(t, v.Notices, 1)
}

func TestCreateWhileInactive(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())

	_, err := s.Create(context.Background(), domain.Payload{Title: "x", URL: "x.example.com"})

	assert.ErrorIs(t, err, domain.ErrInactive)
}

// Scenario D
func TestDeleteThenDuplicateRemovedNotice(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0), rec("2", time.Second))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)
	require.Equal(t, []string{"2", "1"}, viewIDs(s.View()))

	require.NoError(t, s.Delete(context.Background(), "1"))
	s.HandleEvent(domain.Removed("1", "u1"))

	v := s.View()
	assert.Equal(t, []string{"2"}, viewIDs(v))
	assert.Equal(t, 1, v.Count)
	assert.Empty(t, v.Notices)
}

func TestDeleteRejectedByStore(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	other := rec("theirs", time.Second)
	store.seed("u2", other)
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	err := s.Delete(context.Background(), "theirs")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
	assert.Equal(t, []string{"1"}, viewIDs(s.View()))
}

func TestDeleteOfRecordGoneElsewhereRemovesIt(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0), rec("2", time.Second))
	opts := testOptions()
	opts.ReconcileOnDelete = false
	s := newTestSync(t, store, newFakeFeed(), opts)
	require.NoError(t, s.Activate("u1"))
	waitSettled(t, s, store)
	require.Equal(t, []string{"2", "1"}, viewIDs(s.View()))
	before, _, _ := store.counts()

	// deleted by another session; no removal is ever delivered
	require.NoError(t, store.Delete(context.Background(), "u1", "1"))

	err := s.Delete(context.Background(), "1")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	v := s.View()
	assert.Equal(t, []string{"2"}, viewIDs(v))
	require.Len(t, v.Notices, 1)
	assert.Equal(t, domain.KindRejected, v.Notices[0].Kind)

	eventually(t, func() bool {
		after, _, _ := store.counts()
		return after > before
	}, "rejected delete did not reconcile")
	waitSettled(t, s, store)
	assert.Equal(t, []string{"2"}, viewIDs(s.View()))
}

func TestDeleteReconcilesWhenConfigured(t *testing.T) {
	for _, reconcile := range []bool{true, false} {
		t.Run(fmt.Sprintf("reconcile=%v", reconcile), func(t *testing.T) {
			store := newFakeStore()
			store.seed("u1", rec("1", 0))
			opts := testOptions()
			opts.ReconcileOnDelete = reconcile
			s := newTestSync(t, store, newFakeFeed(), opts)
			require.NoError(t, s.Activate("u1"))
			waitSettled(t, s, store)
			before, _, _ := store.counts()

			require.NoError(t, s.Delete(context.Background(), "1"))

			if reconcile {
				eventually(t, func() bool {
					after, _, _ := store.counts()
					return after > before
				}, "delete did not reconcile")
				return
			}
			time.Sleep(20 * time.Millisecond)
			after, _, _ := store.counts()
			assert.Equal(t, before, after)
		})
	}
}

// Scenario E
func TestDeactivateDiscardsInFlightSnapshot(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	gate := make(chan struct{})
	store.fetchGate = gate
	s := newTestSync(t, store, newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	eventually(t, func() bool {
		fetches, _, _ := store.counts()
		return fetches >= 1
	}, "fetch never started")

	s.Deactivate()
	close(gate)
	time.Sleep(20 * time.Millisecond)

	v := s.View()
	assert.Empty(t, v.Items)
	assert.Equal(t, StateInactive, v.State)
}

func TestStaleSnapshotDoesNotLeakIntoNextActivation(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	store.seed("u2", rec("2", 0))
	gate := make(chan struct{})
	store.fetchGate = gate
	s := newTestSync(t, store, newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	eventually(t, func() bool {
		fetches, _, _ := store.counts()
		return fetches >= 1
	}, "fetch never started")

	store.set(func(f *fakeStore) { f.fetchGate = nil })
	require.NoError(t, s.Activate("u2"))
	waitSynced(t, s)
	close(gate)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"2"}, viewIDs(s.View()))
}

func TestDeactivateReleasesSubscription(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSync(t, newFakeStore(), feed, testOptions())
	require.NoError(t, s.Activate("u1"))
	waitLive(t, s)
	sub := feed.last()

	s.Deactivate()

	assert.True(t, sub.isClosed())
	assert.Equal(t, ModeOff, s.View().Mode)

	// a callback that fires after deactivation is ignored
	sub.emit(domain.Added(rec("late", 0)))
	assert.Zero(t, s.View().Count)
}

func TestReactivationClosesPreviousSubscription(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSync(t, newFakeStore(), feed, testOptions())
	require.NoError(t, s.Activate("u1"))
	waitLive(t, s)
	first := feed.last()

	require.NoError(t, s.Activate("u2"))
	waitLive(t, s)

	assert.True(t, first.isClosed())
	assert.Equal(t, "u2", feed.last().userID)
	assert.Equal(t, "u2", s.UserID())

	first.emit(domain.Added(rec("old-scope", 0)))
	assert.Zero(t, s.View().Count)
}

func TestResubscribesAfterFailures(t *testing.T) {
	feed := newFakeFeed()
	feed.failures = 2
	store := newFakeStore()
	s := newTestSync(t, store, feed, testOptions())

	require.NoError(t, s.Activate("u1"))
	waitLive(t, s)

	assert.Equal(t, 3, feed.subscribeCalls())
	eventually(t, func() bool {
		fetches, _, _ := store.counts()
		return fetches >= 2
	}, "resubscription did not reconcile")

	kinds := map[domain.Kind]int{}
	for _, n := range s.View().Notices {
		kinds[n.Kind]++
	}
	assert.Equal(t, 2, kinds[domain.KindSubscription])
}

func TestDegradesToSnapshotOnly(t *testing.T) {
	feed := newFakeFeed()
	feed.alwaysFail = true
	store := newFakeStore()
	store.seed("u1", rec("1", 0))
	store.nextID = 100
	s := newTestSync(t, store, feed, testOptions())

	require.NoError(t, s.Activate("u1"))
	eventually(t, func() bool { return s.View().Mode == ModeSnapshotOnly }, "never degraded")

	assert.Equal(t, testOptions().MaxResubscribes+1, feed.subscribeCalls())
	waitSynced(t, s)
	assert.Equal(t, []string{"1"}, viewIDs(s.View()))

	// local mutations keep working
	_, err := s.Create(context.Background(), domain.Payload{Title: "t", URL: "t.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.View().Count)
}

func TestCatchesUpOnChangesMadeBeforeFirstSubscription(t *testing.T) {
	store := newFakeStore()
	feed := &gatedFeed{fakeFeed: newFakeFeed(), gate: make(chan struct{})}
	s := newTestSync(t, store, feed, testOptions())

	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)
	require.Zero(t, s.View().Count)

	// written by another session while nothing was listening yet
	store.seed("u1", rec("x", 0))
	close(feed.gate)
	waitLive(t, s)

	eventually(t, func() bool { return s.View().Count == 1 }, "view never caught up with the store")
	assert.Equal(t, []string{"x"}, viewIDs(s.View()))
}

func TestDroppedSubscriptionIsReplaced(t *testing.T) {
	feed := newFakeFeed()
	store := newFakeStore()
	s := newTestSync(t, store, feed, testOptions())
	require.NoError(t, s.Activate("u1"))
	waitLive(t, s)
	first := feed.last()

	first.drop(errors.New("connection reset"))

	eventually(t, func() bool { return len(feed.all()) == 2 }, "no resubscription")
	waitLive(t, s)
	assert.True(t, first.isClosed())

	// the resubscription reconciles concurrently, so keep the store consistent
	store.seed("u1", rec("1", 0))
	feed.last().emit(domain.Added(rec("1", 0)))
	assert.Equal(t, 1, s.View().Count)
}

func TestSnapshotKeepsRecordsObservedAfterFetchStarted(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	store.fetchGate = gate
	s := newTestSync(t, store, newFakeFeed(), testOptions())

	require.NoError(t, s.Activate("u1"))
	waitLive(t, s)
	eventually(t, func() bool {
		fetches, _, _ := store.counts()
		return fetches >= 1
	}, "fetch never started")

	s.HandleEvent(domain.Added(rec("fresh", 0)))
	close(gate)
	waitSynced(t, s)

	assert.Equal(t, []string{"fresh"}, viewIDs(s.View()))
}

func TestSnapshotDropsRecordsRemovedMeanwhile(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", rec("1", 0), rec("2", time.Second))
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	// the store still lists "1" but the feed already reported its removal
	s.HandleEvent(domain.Removed("1", "u1"))
	require.NoError(t, s.Reconcile())
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"2"}, viewIDs(s.View()))
}

func TestConvergenceUnderReordering(t *testing.T) {
	for seed := int64(0); seed < 40; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))

			var created, final []domain.Record
			deleted := map[string]bool{}
			for i := 0; i < 12; i++ {
				created = append(created, rec(fmt.Sprintf("r%02d", i), time.Duration(rng.Intn(4))*time.Second))
			}
			for _, r := range created {
				if rng.Intn(3) == 0 {
					deleted[r.ID] = true
					continue
				}
				final = append(final, r)
			}

			var events []domain.Event
			for _, r := range created {
				events = append(events, domain.Added(r))
				if deleted[r.ID] {
					events = append(events, domain.Removed(r.ID, "u1"))
				}
			}
			for i := 0; i < 6; i++ {
				events = append(events, events[rng.Intn(len(events))]) // redelivery
			}
			rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

			store := newFakeStore()
			store.seed("u1", final...)
			gate := make(chan struct{})
			store.fetchGate = gate
			s := newTestSync(t, store, newFakeFeed(), testOptions())
			require.NoError(t, s.Activate("u1"))

			split := rng.Intn(len(events) + 1)
			for _, ev := range events[:split] {
				s.HandleEvent(ev)
			}
			close(gate)
			waitSynced(t, s)
			for _, ev := range events[split:] {
				s.HandleEvent(ev)
			}

			sort.Slice(final, func(i, j int) bool { return domain.Newer(final[i], final[j]) })
			want := make([]string, len(final))
			for i, r := range final {
				want[i] = r.ID
			}
			assert.Equal(t, want, viewIDs(s.View()))
		})
	}
}

func TestPendingStateDuringMutation(t *testing.T) {
	store := &slowInsertStore{fakeStore: newFakeStore(), release: make(chan struct{})}
	s := newTestSync(t, store, newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Create(context.Background(), domain.Payload{Title: "t", URL: "t.example.com"})
		errCh <- err
	}()

	eventually(t, func() bool { return s.View().State == StatePending }, "never pending")
	close(store.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StateSynced, s.View().State)
}

type slowInsertStore struct {
	*fakeStore
	release chan struct{}
}

func (s *slowInsertStore) Insert(ctx context.Context, userID string, p domain.Payload) (domain.Record, error) {
	<-s.release
	return s.fakeStore.Insert(ctx, userID, p)
}

func TestNoticesAreBoundedAndDismissible(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())
	require.NoError(t, s.Activate("u1"))
	waitSynced(t, s)

	for i := 0; i < 8; i++ {
		_, _ = s.Create(context.Background(), domain.Payload{URL: "x"})
	}

	v := s.View()
	require.Len(t, v.Notices, testOptions().MaxNotices)
	first := v.Notices[0].ID

	assert.True(t, s.Dismiss(first))
	assert.False(t, s.Dismiss(first))
	assert.Len(t, s.View().Notices, testOptions().MaxNotices-1)
}

func TestWatchIsNotified(t *testing.T) {
	s := newTestSync(t, newFakeStore(), newFakeFeed(), testOptions())
	ch, stop := s.Watch()
	defer stop()

	require.NoError(t, s.Activate("u1"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	stop()
	stop() // idempotent
}
