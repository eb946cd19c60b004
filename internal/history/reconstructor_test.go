package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/aggregate"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	"mailtrail/internal/status"
)

var rome, _ = time.LoadLocation("Europe/Rome")

func ts(s string) time.Time {
	t, err := time.ParseInLocation("02-01-2006 15:04:05", s, rome)
	if err != nil {
		panic(err)
	}
	return t
}

type env struct {
	ledger        *ledger.Ledger
	repo          *ledger.MemoryRepository
	store         *aggregate.MemoryStore
	reconstructor *Reconstructor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := ledger.NewMemoryRepository()
	store := aggregate.NewMemoryStore()
	maintainer := aggregate.NewMaintainer(store, repo, logger.NopLogger())
	l := ledger.New(repo, maintainer, ledger.NewLocalLocker(16), ledger.Options{}, logger.NopLogger())

	return &env{
		ledger:        l,
		repo:          repo,
		store:         store,
		reconstructor: NewReconstructor(l, Options{Concurrency: 4, Location: rome}, logger.NopLogger()),
	}
}

func row(mid, email, sub, st, when string) Row {
	return Row{MessageID: mid, Recipient: email, Subject: sub, StatusText: st, Timestamp: ts(when)}
}

func TestImportGapIsDiscarded(t *testing.T) {
	e := newEnv(t)
	rows := []Row{
		row("X", "x@example.com", "News", "Consegnata", "05-03-2024 10:05:00"),
		row("X", "x@example.com", "News", "Aperta", "05-03-2024 10:06:00"),
	}

	report, err := e.reconstructor.Import(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Accepted)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, 1, report.DiscardReasons[ReasonMissingSent])
	assert.Equal(t, time.Minute, report.DiscardedSpan.Total)
	require.Len(t, report.DiscardedSamples, 1)
	assert.Equal(t, "X", report.DiscardedSamples[0].MessageID)

	assert.Equal(t, 0, e.repo.Len())
	keys, _ := e.store.Keys(context.Background())
	assert.Empty(t, keys)
}

func TestImportReconstructsTimeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	clickRow := row("A", "A@Example.com", "Spring", "Cliccata", "01-03-2024 23:40:00")
	clickRow.Link = "https://example.com/offer"
	rows := []Row{
		row("A", "a@example.com", "Spring", "Aperta", "01-03-2024 23:35:00"),
		clickRow,
		row("A", "a@example.com", "Spring", "Consegnata", "01-03-2024 23:31:00"),
		row("A", "a@example.com", "Spring", "Inviata", "01-03-2024 23:30:00"),
		row("B", "b@example.com", "Spring", "Inviata", "01-03-2024 23:30:05"),
		row("B", "b@example.com", "Spring", "Hard bounce", "01-03-2024 23:30:09"),
		row("B", "b@example.com", "Spring", "Archiviata", "01-03-2024 23:31:00"),
	}

	report, err := e.reconstructor.Import(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Groups)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 0, report.Discarded)
	assert.Equal(t, 1, report.UnknownStatusRows)
	assert.Equal(t, 6, report.EventsApplied)
	assert.Empty(t, report.Failed)

	a, err := e.ledger.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, status.Clicked, a.Status)
	assert.Equal(t, "a@example.com", a.Recipient)
	assert.Equal(t, "Spring|2024-03-01", a.GroupKey)
	assert.Equal(t, ts("01-03-2024 23:30:00").UTC(), a.SentAt)
	require.Len(t, a.Events, 4)
	assert.Equal(t, "https://example.com/offer", a.Events[3].Extra[events.ExtraClickURL])

	b, err := e.ledger.GetRecord(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, status.Bounced, b.Status)
	assert.Equal(t, events.BounceHard, b.Events[1].Extra[events.ExtraBounceType])

	c, _, _ := e.store.Get(ctx, "Spring|2024-03-01")
	assert.Equal(t, status.Counters{Sent: 2, Delivered: 1, Opened: 1, Clicked: 1, Bounced: 1}, c)
}

func TestImportIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rows := []Row{
		row("A", "a@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
		row("A", "a@example.com", "S", "Consegnata", "01-03-2024 10:01:00"),
	}
	_, err := e.reconstructor.Import(ctx, rows)
	require.NoError(t, err)
	before, _, _ := e.store.Get(ctx, "S|2024-03-01")

	overlap := append(rows, row("A", "a@example.com", "S", "Aperta", "01-03-2024 10:02:00"))
	report, err := e.reconstructor.Import(ctx, overlap)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DuplicatesSkipped)
	assert.Equal(t, 1, report.EventsApplied)

	after, _, _ := e.store.Get(ctx, "S|2024-03-01")
	assert.Equal(t, before.Sent, after.Sent)
	assert.Equal(t, int64(1), after.Opened)
}

func TestImportDiscardsReusedMessageID(t *testing.T) {
	e := newEnv(t)
	rows := []Row{
		row("M", "one@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
		row("M", "two@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
		row("N", "three@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
	}

	report, err := e.reconstructor.Import(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Groups)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 2, report.DiscardReasons[ReasonMessageIDReused])
	assert.Equal(t, 1, e.repo.Len())
}

type flakyIngester struct {
	real Ingester
	fail string
}

func (f *flakyIngester) Ingest(ctx context.Context, sub events.Submission) (ledger.IngestResult, error) {
	if sub.ExternalID == f.fail {
		return ledger.IngestResult{}, errors.New("store unavailable")
	}
	return f.real.Ingest(ctx, sub)
}

func TestImportPartitionsFailures(t *testing.T) {
	e := newEnv(t)
	r := NewReconstructor(&flakyIngester{real: e.ledger, fail: "BAD"}, Options{Concurrency: 2, Location: rome}, logger.NopLogger())

	rows := []Row{
		row("OK1", "a@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
		row("BAD", "b@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
		row("OK2", "c@example.com", "S", "Inviata", "01-03-2024 10:00:00"),
	}
	report, err := r.Import(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accepted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "BAD", report.Failed[0].MessageID)
	assert.True(t, strings.Contains(report.Failed[0].Error, "store unavailable"))
}

type memArchive struct {
	saved []*ImportReport
}

func (m *memArchive) Save(_ context.Context, report *ImportReport) error {
	m.saved = append(m.saved, report)
	return nil
}

func TestImportArchivesReport(t *testing.T) {
	e := newEnv(t)
	archive := &memArchive{}
	r := NewReconstructor(e.ledger, Options{Location: rome, Archive: archive}, logger.NopLogger())

	report, err := r.Import(context.Background(), []Row{row("A", "a@example.com", "S", "Inviata", "01-03-2024 10:00:00")})
	require.NoError(t, err)
	require.Len(t, archive.saved, 1)
	assert.Equal(t, report.ID, archive.saved[0].ID)
}

func TestImportHonoursCancellation(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.reconstructor.Import(ctx, []Row{row("A", "a@example.com", "S", "Inviata", "01-03-2024 10:00:00")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, e.repo.Len())
}
