package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/aggregate"
	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/logger"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
)

const testGroup = "Welcome|2024-03-01"

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ledger     *Ledger
	repo       *MemoryRepository
	store      *flakyStore
	maintainer *aggregate.Maintainer
	clock      *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the next ApplyDelta once armed.
type flakyStore struct {
	*aggregate.MemoryStore
	mu       sync.Mutex
	failNext error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: aggregate.NewMemoryStore()}
}

func (s *flakyStore) failNextDelta(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *flakyStore) ApplyDelta(ctx context.Context, groupKey string, delta status.Counters) error {
	s.mu.Lock()
	err := s.failNext
	s.failNext = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.ApplyDelta(ctx, groupKey, delta)
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	store := newFlakyStore()
	maintainer := aggregate.NewMaintainer(store, repo, logger.NopLogger())
	clock := &fakeClock{now: t0.Add(time.Hour)}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.MaxConflictRetries == 0 {
		opts.MaxConflictRetries = constants.DefaultMaxConflictRetries
	}

	return &fixture{
		ledger:     New(repo, maintainer, NewLocalLocker(16), opts, logger.NopLogger()),
		repo:       repo,
		store:      store,
		maintainer: maintainer,
		clock:      clock,
	}
}

func (f *fixture) ingest(t *testing.T, id string, typ events.Type, ts time.Time) IngestResult {
	t.Helper()
	res, err := f.ledger.IngestEvent(context.Background(), id, id+"@example.com", testGroup, events.New(typ, ts, nil))
	require.NoError(t, err)
	return res
}

func (f *fixture) counters(t *testing.T) status.Counters {
	t.Helper()
	c, _, err := f.store.Get(context.Background(), testGroup)
	require.NoError(t, err)
	return c
}

func TestBasicLifecycle(t *testing.T) {
	f := newFixture(t, Options{})

	f.ingest(t, "A", events.TypeSent, t0)
	f.ingest(t, "A", events.TypeDelivered, t0.Add(time.Minute))
	res := f.ingest(t, "A", events.TypeOpened, t0.Add(2*time.Minute))

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, status.Opened, res.Record.Status)
	require.NotNil(t, res.Transition)
	assert.Equal(t, Transition{From: status.Delivered, To: status.Opened}, *res.Transition)

	snap, err := f.maintainer.Stats(context.Background(), testGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Sent)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.Opened)
	assert.Equal(t, 100.0, snap.DeliveryRate)
	assert.Equal(t, 100.0, snap.OpenRate)

	rec, err := f.ledger.GetRecord(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", rec.Recipient)
	assert.Equal(t, t0, rec.SentAt)
	assert.Len(t, rec.Events, 3)
	assert.Equal(t, int64(3), rec.Version)
}

func TestDuplicateWebhookIsNoop(t *testing.T) {
	f := newFixture(t, Options{})

	f.ingest(t, "A", events.TypeSent, t0)
	f.ingest(t, "A", events.TypeDelivered, t0.Add(time.Minute))
	before := f.counters(t)
	recBefore, _ := f.ledger.GetRecord(context.Background(), "A")

	res := f.ingest(t, "A", events.TypeDelivered, t0.Add(time.Minute))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Nil(t, res.Transition)

	recAfter, _ := f.ledger.GetRecord(context.Background(), "A")
	assert.Equal(t, recBefore, recAfter)
	assert.Equal(t, before, f.counters(t))
}

func TestDedupKeyUsesMicrosecondTimestamp(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "A", events.TypeSent, t0)
	f.ingest(t, "A", events.TypeOpened, t0.Add(time.Minute))

	res := f.ingest(t, "A", events.TypeOpened, t0.Add(time.Minute+300*time.Nanosecond).In(time.FixedZone("CET", 3600)))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestSecondSentIsDuplicate(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "A", events.TypeSent, t0)

	res := f.ingest(t, "A", events.TypeSent, t0.Add(time.Hour))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, t0, res.Record.SentAt)
	assert.Len(t, res.Record.Events, 1)
	assert.Equal(t, status.Counters{Sent: 1}, f.counters(t))
}

func TestGroupKeyOnlyHonouredOnCreation(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "A", events.TypeSent, t0)

	_, err := f.ledger.IngestEvent(context.Background(), "A", "", "Other|2024-03-02", events.New(events.TypeDelivered, t0.Add(time.Minute), nil))
	require.NoError(t, err)

	rec, _ := f.ledger.GetRecord(context.Background(), "A")
	assert.Equal(t, testGroup, rec.GroupKey)
	other, _, _ := f.store.Get(context.Background(), "Other|2024-03-02")
	assert.True(t, other.IsZero())
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		id    string
		group string
		ev    events.Event
		field string
	}{
		{"unknown type", "A", testGroup, events.New("list_addition", t0, nil), "type"},
		{"missing timestamp", "A", testGroup, events.Event{Type: events.TypeSent}, "timestamp"},
		{"missing id", " ", testGroup, events.New(events.TypeSent, t0, nil), "external_id"},
		{"sent without group", "A", "", events.New(events.TypeSent, t0, nil), "group_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.IngestEvent(ctx, tt.id, "a@example.com", tt.group, tt.ev)
			require.Error(t, err)

			var vErr *events.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
			assert.True(t, pkgerrors.IsValidation(err))
			assert.Equal(t, http.StatusBadRequest, pkgerrors.ToHTTPStatus(err))
		})
	}
	assert.Equal(t, 0, f.repo.Len())
}

func TestOrphanRejectedByDefault(t *testing.T) {
	var reported []*OrphanEventError
	f := newFixture(t, Options{OnOrphan: func(e *OrphanEventError) { reported = append(reported, e) }})

	_, err := f.ledger.IngestEvent(context.Background(), "B", "", "", events.New(events.TypeOpened, t0, nil))
	require.Error(t, err)

	var orphanErr *OrphanEventError
	require.True(t, errors.As(err, &orphanErr))
	assert.Equal(t, OrphanRejected, orphanErr.Reason)
	assert.True(t, pkgerrors.IsOrphanEvent(err))
	assert.Equal(t, http.StatusUnprocessableEntity, pkgerrors.ToHTTPStatus(err))
	assert.Len(t, reported, 1)
	assert.Equal(t, 0, f.repo.Len())
}

func TestOutOfOrderArrivalWithBuffering(t *testing.T) {
	f := newFixture(t, Options{OrphanPolicy: constants.OrphanPolicyBuffer})
	ctx := context.Background()

	res, err := f.ledger.IngestEvent(ctx, "C", "", "", events.New(events.TypeOpened, t0.Add(2*time.Minute), nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, res.Outcome)
	res, err = f.ledger.IngestEvent(ctx, "C", "", "", events.New(events.TypeDelivered, t0.Add(time.Minute), nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, res.Outcome)
	assert.Equal(t, 2, f.ledger.BufferedOrphans())

	_, err = f.ledger.GetRecord(ctx, "C")
	assert.True(t, pkgerrors.IsNotFound(err))

	res = f.ingest(t, "C", events.TypeSent, t0)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, status.Opened, res.Record.Status)
	assert.Equal(t, 0, f.ledger.BufferedOrphans())

	// Same end state as in-order delivery.
	g := newFixture(t, Options{})
	g.ingest(t, "C", events.TypeSent, t0)
	g.ingest(t, "C", events.TypeDelivered, t0.Add(time.Minute))
	g.ingest(t, "C", events.TypeOpened, t0.Add(2*time.Minute))

	want, _ := g.ledger.GetRecord(ctx, "C")
	got, _ := f.ledger.GetRecord(ctx, "C")
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, eventKeys(want.Events), eventKeys(got.Events))
	assert.Equal(t, g.counters(t), f.counters(t))
}

func TestBufferedOrphanExpires(t *testing.T) {
	var reported []*OrphanEventError
	f := newFixture(t, Options{
		OrphanPolicy: constants.OrphanPolicyBuffer,
		OrphanWindow: time.Minute,
		OnOrphan:     func(e *OrphanEventError) { reported = append(reported, e) },
	})
	ctx := context.Background()

	_, err := f.ledger.IngestEvent(ctx, "D", "", "", events.New(events.TypeClicked, t0, nil))
	require.NoError(t, err)

	assert.Empty(t, f.ledger.SweepOrphans(ctx))

	f.clock.Advance(2 * time.Minute)
	expired := f.ledger.SweepOrphans(ctx)
	require.Len(t, expired, 1)
	assert.Equal(t, OrphanExpired, expired[0].Reason)
	assert.Equal(t, "D", expired[0].ExternalID)
	assert.Len(t, reported, 1)

	res := f.ingest(t, "D", events.TypeSent, t0.Add(-time.Minute))
	assert.Equal(t, 0, res.Replayed)
	assert.Equal(t, status.Sent, res.Record.Status)
}

func TestOrphanBufferFull(t *testing.T) {
	f := newFixture(t, Options{OrphanPolicy: constants.OrphanPolicyBuffer, OrphanCapacity: 1})
	ctx := context.Background()

	_, err := f.ledger.IngestEvent(ctx, "E", "", "", events.New(events.TypeDelivered, t0, nil))
	require.NoError(t, err)

	// Re-delivery of a buffered event does not take a slot.
	res, err := f.ledger.IngestEvent(ctx, "E", "", "", events.New(events.TypeDelivered, t0, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, res.Outcome)

	_, err = f.ledger.IngestEvent(ctx, "F", "", "", events.New(events.TypeDelivered, t0, nil))
	var orphanErr *OrphanEventError
	require.True(t, errors.As(err, &orphanErr))
	assert.Equal(t, OrphanBufferFull, orphanErr.Reason)
}

func TestAggregateFailureLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.ingest(t, "A", events.TypeSent, t0)
	before, _ := f.ledger.GetRecord(ctx, "A")
	countersBefore := f.counters(t)

	boom := errors.New("store down")
	f.store.failNextDelta(boom)
	_, err := f.ledger.IngestEvent(ctx, "A", "", "", events.New(events.TypeClicked, t0.Add(time.Minute), nil))
	require.ErrorIs(t, err, boom)

	after, _ := f.ledger.GetRecord(ctx, "A")
	assert.Equal(t, before, after)
	assert.Equal(t, countersBefore, f.counters(t))

	// The same event succeeds once the store recovers.
	res := f.ingest(t, "A", events.TypeClicked, t0.Add(time.Minute))
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestAggregateFailureOnCreateRemovesRecord(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.failNextDelta(errors.New("store down"))

	_, err := f.ledger.IngestEvent(context.Background(), "A", "a@example.com", testGroup, events.New(events.TypeSent, t0, nil))
	require.Error(t, err)
	assert.Equal(t, 0, f.repo.Len())
}

func TestIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		once := newFixture(t, Options{})
		twice := newFixture(t, Options{})
		evs := randomTimeline(rng)

		for _, ev := range evs {
			once.ingest(t, "X", ev.Type, ev.Timestamp)
			twice.ingest(t, "X", ev.Type, ev.Timestamp)
			twice.ingest(t, "X", ev.Type, ev.Timestamp)
		}

		a, _ := once.ledger.GetRecord(context.Background(), "X")
		b, _ := twice.ledger.GetRecord(context.Background(), "X")
		assert.Equal(t, a.Status, b.Status)
		assert.Equal(t, eventKeys(a.Events), eventKeys(b.Events))
		assert.Equal(t, once.counters(t), twice.counters(t))
	}
}

func TestOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 50; trial++ {
		evs := randomTimeline(rng)
		var want status.Status

		for perm := 0; perm < 5; perm++ {
			f := newFixture(t, Options{OrphanPolicy: constants.OrphanPolicyBuffer})
			shuffled := append([]events.Event(nil), evs...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			for _, ev := range shuffled {
				_, err := f.ledger.IngestEvent(context.Background(), "X", "x@example.com", testGroup, ev)
				require.NoError(t, err)
			}
			rec, err := f.ledger.GetRecord(context.Background(), "X")
			require.NoError(t, err)

			if perm == 0 {
				want = rec.Status
			}
			assert.Equal(t, want, rec.Status)
		}
	}
}

func TestAggregateMatchesReconcile(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for _, size := range []int{0, 1, 5, 40} {
		t.Run(fmt.Sprintf("members=%d", size), func(t *testing.T) {
			f := newFixture(t, Options{})
			for i := 0; i < size; i++ {
				id := fmt.Sprintf("m-%d", i)
				for _, ev := range randomTimeline(rng) {
					f.ingest(t, id, ev.Type, ev.Timestamp)
				}
			}

			incremental := f.counters(t)
			res, err := f.maintainer.Reconcile(context.Background(), testGroup)
			require.NoError(t, err)
			assert.False(t, res.Corrected, "drift %+v", res.Drift)
			assert.Equal(t, incremental, res.After)
			assert.Equal(t, int64(size), res.After.Sent)
		})
	}
}

func TestConcurrentIngestSameEmail(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.ingest(t, "A", events.TypeSent, t0)

	types := []events.Type{events.TypeDelivered, events.TypeOpened, events.TypeClicked, events.TypeDeferred}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := types[i%len(types)]
			_, err := f.ledger.IngestEvent(ctx, "A", "", "", events.New(typ, t0.Add(time.Duration(i%len(types)+1)*time.Minute), nil))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := f.ledger.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, rec.Events, 5)
	assert.Equal(t, status.Clicked, rec.Status)
	assert.Equal(t, status.Counters{Sent: 1, Delivered: 1, Opened: 1, Clicked: 1}, f.counters(t))
}

type conflictingRepo struct {
	*MemoryRepository
	conflicts int
}

func (r *conflictingRepo) Update(ctx context.Context, rec *EmailRecord, expected int64) error {
	if r.conflicts > 0 {
		r.conflicts--
		return pkgerrors.ErrConflict
	}
	return r.MemoryRepository.Update(ctx, rec, expected)
}

func TestConflictRetries(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: NewMemoryRepository()}
	store := aggregate.NewMemoryStore()
	l := New(repo, aggregate.NewMaintainer(store, repo, logger.NopLogger()), NewLocalLocker(4),
		Options{MaxConflictRetries: 2}, logger.NopLogger())
	ctx := context.Background()

	_, err := l.IngestEvent(ctx, "A", "a@example.com", testGroup, events.New(events.TypeSent, t0, nil))
	require.NoError(t, err)

	repo.conflicts = 2
	res, err := l.IngestEvent(ctx, "A", "", "", events.New(events.TypeDelivered, t0.Add(time.Minute), nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	repo.conflicts = 3
	_, err = l.IngestEvent(ctx, "A", "", "", events.New(events.TypeOpened, t0.Add(2*time.Minute), nil))
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, 3, conflictErr.Attempts)
	assert.True(t, pkgerrors.IsConflict(err))
	assert.True(t, pkgerrors.IsRetryable(err))

	rec, _ := l.GetRecord(ctx, "A")
	assert.Equal(t, status.Delivered, rec.Status)
	c, _, _ := store.Get(ctx, testGroup)
	assert.Equal(t, status.Counters{Sent: 1, Delivered: 1}, c)
}

type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, key string) (func(), error) {
	<-ctx.Done()
	return nil, lockTimeout(key, ctx.Err())
}

func TestIngestTimeoutIsRetryable(t *testing.T) {
	repo := NewMemoryRepository()
	l := New(repo, aggregate.NewMaintainer(aggregate.NewMemoryStore(), repo, logger.NopLogger()), blockingLocker{},
		Options{IngestTimeout: 20 * time.Millisecond}, logger.NopLogger())

	_, err := l.IngestEvent(context.Background(), "A", "a@example.com", testGroup, events.New(events.TypeSent, t0, nil))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTimeout(err))
	assert.True(t, pkgerrors.IsRetryable(err))
}

// parkedMembers blocks GroupStatuses until released.
type parkedMembers struct {
	*MemoryRepository
	entered chan struct{}
	release chan struct{}
}

func (p *parkedMembers) GroupStatuses(ctx context.Context, groupKey string) ([]status.Status, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return p.MemoryRepository.GroupStatuses(ctx, groupKey)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestIngestTimesOutWhileGroupReconciles(t *testing.T) {
	repo := NewMemoryRepository()
	members := &parkedMembers{MemoryRepository: repo, entered: make(chan struct{}, 1), release: make(chan struct{})}
	maintainer := aggregate.NewMaintainer(aggregate.NewMemoryStore(), members, logger.NopLogger())
	l := New(repo, maintainer, NewLocalLocker(16), Options{IngestTimeout: 20 * time.Millisecond}, logger.NopLogger())

	done := make(chan error, 1)
	go func() {
		_, err := maintainer.Reconcile(context.Background(), testGroup)
		done <- err
	}()
	<-members.entered

	_, err := l.IngestEvent(context.Background(), "A", "a@example.com", testGroup, events.New(events.TypeSent, t0, nil))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTimeout(err))
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Equal(t, 0, repo.Len())

	close(members.release)
	require.NoError(t, <-done)

	_, err = l.IngestEvent(context.Background(), "A", "a@example.com", testGroup, events.New(events.TypeSent, t0, nil))
	require.NoError(t, err)
}

func TestPatchEventExtra(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.ingest(t, "A", events.TypeSent, t0)
	bounced := events.New(events.TypeBounced, t0.Add(time.Minute), map[string]interface{}{events.ExtraBounceType: events.BounceHard})
	_, err := f.ledger.IngestEvent(ctx, "A", "", "", bounced)
	require.NoError(t, err)
	countersBefore := f.counters(t)

	candidates, err := f.ledger.ListEnrichmentCandidates(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	ref := candidates[0]

	rec, err := f.ledger.PatchEventExtra(ctx, ref, map[string]interface{}{events.ExtraBounceReason: "mailbox full"})
	require.NoError(t, err)
	assert.Equal(t, status.Bounced, rec.Status)

	got, _ := f.ledger.GetRecord(ctx, "A")
	var bounce events.Event
	for _, e := range got.Events {
		if e.Type == events.TypeBounced {
			bounce = e
		}
	}
	assert.Equal(t, "mailbox full", bounce.BounceReason())
	assert.Equal(t, events.BounceHard, bounce.Extra[events.ExtraBounceType])
	assert.Equal(t, countersBefore, f.counters(t))

	candidates, err = f.ledger.ListEnrichmentCandidates(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = f.ledger.PatchEventExtra(ctx, EventRef{ExternalID: "A", Type: events.TypeBounced, Timestamp: t0}, map[string]interface{}{"x": 1})
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = f.ledger.PatchEventExtra(ctx, EventRef{ExternalID: "missing", Type: events.TypeBounced, Timestamp: t0}, map[string]interface{}{"x": 1})
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestEnrichmentCandidatesSkipRecentlyChecked(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i, id := range []string{"old", "checked", "new"} {
		sentAt := t0.Add(time.Duration(i) * time.Hour)
		f.ingest(t, id, events.TypeSent, sentAt)
		_, err := f.ledger.IngestEvent(ctx, id, "", "", events.New(events.TypeBounced, sentAt.Add(time.Minute), nil))
		require.NoError(t, err)
	}

	checkedAt := t0.Add(48 * time.Hour)
	ref := EventRef{ExternalID: "checked", Type: events.TypeBounced, Timestamp: t0.Add(time.Hour + time.Minute)}
	_, err := f.ledger.PatchEventExtra(ctx, ref, map[string]interface{}{
		events.ExtraEnrichmentCheckedAt: checkedAt.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	candidates, err := f.ledger.ListEnrichmentCandidates(ctx, 10, checkedAt)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "new", candidates[0].ExternalID)
	assert.Equal(t, "old", candidates[1].ExternalID)

	// Once the check is older than the cutoff it is eligible again, after
	// every never-checked bounce.
	candidates, err = f.ledger.ListEnrichmentCandidates(ctx, 10, checkedAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "checked", candidates[2].ExternalID)

	candidates, err = f.ledger.ListEnrichmentCandidates(ctx, 1, checkedAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "new", candidates[0].ExternalID)
}

func TestListByGroupAndStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.ingest(t, "A", events.TypeSent, t0)
	f.ingest(t, "B", events.TypeSent, t0.Add(time.Second))
	f.ingest(t, "B", events.TypeOpened, t0.Add(time.Minute))

	all, err := f.ledger.ListByGroup(ctx, testGroup, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].ExternalID)

	opened := status.Opened
	only, err := f.ledger.ListByGroup(ctx, testGroup, &opened)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "B", only[0].ExternalID)

	sent, err := f.ledger.ListByStatus(ctx, status.Sent, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "A", sent[0].ExternalID)
}

// randomTimeline returns a sent event plus a random subset of the other types.
func randomTimeline(rng *rand.Rand) []events.Event {
	evs := []events.Event{events.New(events.TypeSent, t0, nil)}
	for i, typ := range events.AllTypes[1:] {
		if rng.Intn(2) == 0 {
			evs = append(evs, events.New(typ, t0.Add(time.Duration(i+1)*time.Minute), nil))
		}
	}
	return evs
}

func eventKeys(evs []events.Event) []events.Key {
	keys := make([]events.Key, len(evs))
	for i, e := range evs {
		keys[i] = e.Key()
	}
	return keys
}

func TestSearchEmails(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	seed := func(id, recipient string, sentAt time.Time) {
		_, err := f.ledger.IngestEvent(ctx, id, recipient, testGroup, events.New(events.TypeSent, sentAt, nil))
		require.NoError(t, err)
	}
	seed("A", "anna@example.com", t0)
	seed("B", "andrea@example.com", t0.Add(2*time.Hour))
	seed("C", "bruno@example.com", t0.Add(time.Hour))
	seed("D", "anna@example.com", t0.Add(-40*24*time.Hour))

	got, err := f.ledger.SearchEmails(ctx, SearchQuery{From: t0, To: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, externalIDs(got))

	got, err = f.ledger.SearchEmails(ctx, SearchQuery{From: t0, To: t0.Add(3 * time.Hour), RecipientPrefix: " AN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, externalIDs(got))

	// To is exclusive.
	got, err = f.ledger.SearchEmails(ctx, SearchQuery{From: t0, To: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, externalIDs(got))

	got, err = f.ledger.SearchEmails(ctx, SearchQuery{From: t0, To: t0.Add(3 * time.Hour), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, externalIDs(got))

	// Without bounds the last 30 days up to the clock are searched.
	got, err = f.ledger.SearchEmails(ctx, SearchQuery{RecipientPrefix: "anna"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, externalIDs(got))

	_, err = f.ledger.SearchEmails(ctx, SearchQuery{From: t0, To: t0})
	assert.True(t, pkgerrors.IsValidation(err))
}

func externalIDs(records []*EmailRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ExternalID)
	}
	return ids
}
