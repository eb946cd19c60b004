package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
)

func TestPostgresLedgerLifecycle(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)
	ctx := context.Background()

	env.ingest(t, "pg-1", events.TypeSent, 0, nil)
	env.ingest(t, "pg-1", events.TypeOpened, 2*time.Minute, nil)
	env.ingest(t, "pg-1", events.TypeDelivered, time.Minute, map[string]interface{}{events.ExtraIP: "10.0.0.1"})

	dup := env.ingest(t, "pg-1", events.TypeOpened, 2*time.Minute, nil)
	assert.Equal(t, ledger.OutcomeDuplicate, dup.Outcome)

	rec, err := env.ledger.GetRecord(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, status.Opened, rec.Status)
	assert.Equal(t, testGroup, rec.GroupKey)
	require.Len(t, rec.Events, 3)
	assert.Equal(t, events.TypeDelivered, rec.Events[2].Type)
	assert.Equal(t, "10.0.0.1", rec.Events[2].Extra[events.ExtraIP])

	snap, err := env.maintainer.Stats(ctx, testGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Counters.Sent)
	assert.Equal(t, int64(1), snap.Counters.Delivered)
	assert.Equal(t, int64(1), snap.Counters.Opened)
	assert.Equal(t, int64(0), snap.Counters.Clicked)

	opened := status.Opened
	members, err := env.ledger.ListByGroup(ctx, testGroup, &opened)
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, err = env.ledger.GetRecord(ctx, "missing")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestPostgresLedgerConcurrentEvents(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)
	ctx := context.Background()

	const emails = 10
	for i := 0; i < emails; i++ {
		env.ingest(t, fmt.Sprintf("c-%d", i), events.TypeSent, 0, nil)
	}

	types := []events.Type{events.TypeDelivered, events.TypeOpened, events.TypeClicked, events.TypeOpened}
	var wg sync.WaitGroup
	errs := make(chan error, emails*len(types))
	for i := 0; i < emails; i++ {
		for j, typ := range types {
			wg.Add(1)
			go func(id string, typ events.Type, offset time.Duration) {
				defer wg.Done()
				_, err := env.ledger.IngestEvent(ctx, id, "", "", events.New(typ, sentAt.Add(offset), nil))
				errs <- err
			}(fmt.Sprintf("c-%d", i), typ, time.Duration(j+1)*time.Minute)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	clicked := status.Clicked
	members, err := env.ledger.ListByGroup(ctx, testGroup, &clicked)
	require.NoError(t, err)
	assert.Len(t, members, emails)

	snap, err := env.maintainer.Stats(ctx, testGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(emails), snap.Counters.Sent)
	assert.Equal(t, int64(emails), snap.Counters.Clicked)

	res, err := env.maintainer.Reconcile(ctx, testGroup)
	require.NoError(t, err)
	assert.True(t, res.Drift.IsZero())
}

func TestPostgresLedgerPatchEventExtra(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)
	ctx := context.Background()

	env.ingest(t, "b-1", events.TypeSent, 0, nil)
	env.ingest(t, "b-1", events.TypeBounced, time.Minute, map[string]interface{}{events.ExtraBounceType: events.BounceSoft})

	candidates, err := env.ledger.ListEnrichmentCandidates(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "b-1", candidates[0].ExternalID)

	rec, err := env.ledger.PatchEventExtra(ctx, candidates[0], map[string]interface{}{events.ExtraBounceReason: "mailbox full"})
	require.NoError(t, err)
	assert.Equal(t, status.Bounced, rec.Status)

	stored, err := env.ledger.GetRecord(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, stored.Events, 2)
	assert.Equal(t, "mailbox full", stored.Events[1].Extra[events.ExtraBounceReason])
	assert.Equal(t, events.BounceSoft, stored.Events[1].Extra[events.ExtraBounceType])

	candidates, err = env.ledger.ListEnrichmentCandidates(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestPostgresLedgerSkipsRecentlyCheckedBounces(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)
	ctx := context.Background()

	env.ingest(t, "b-1", events.TypeSent, 0, nil)
	env.ingest(t, "b-1", events.TypeBounced, time.Minute, nil)
	candidates, err := env.ledger.ListEnrichmentCandidates(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	checkedAt := time.Now().UTC()
	_, err = env.ledger.PatchEventExtra(ctx, candidates[0], map[string]interface{}{
		events.ExtraEnrichmentCheckedAt: checkedAt.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	got, err := env.ledger.ListEnrichmentCandidates(ctx, 10, checkedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = env.ledger.ListEnrichmentCandidates(ctx, 10, checkedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPostgresLedgerSearchAndRangeStats(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)
	ctx := context.Background()

	env.ingest(t, "anna", events.TypeSent, 0, nil)
	env.ingest(t, "anna", events.TypeDelivered, time.Minute, nil)
	env.ingest(t, "an_x", events.TypeSent, time.Hour, nil)
	env.ingest(t, "bruno", events.TypeSent, 2*time.Hour, nil)

	got, err := env.ledger.SearchEmails(ctx, ledger.SearchQuery{From: sentAt, To: sentAt.Add(24 * time.Hour), RecipientPrefix: "an"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "an_x", got[0].ExternalID)
	assert.Equal(t, "anna", got[1].ExternalID)

	got, err = env.ledger.SearchEmails(ctx, ledger.SearchQuery{From: sentAt, To: sentAt.Add(24 * time.Hour), RecipientPrefix: "an_"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "an_x", got[0].ExternalID)

	summary, err := env.maintainer.RangeStats(ctx, sentAt, sentAt)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Groups)
	assert.Equal(t, int64(3), summary.Sent)
	assert.Equal(t, int64(1), summary.Delivered)
}

func TestPostgresLedgerRejectsOrphans(t *testing.T) {
	infra := SetupInfra(t, WithPostgres())
	env := newPostgresLedger(t, infra.PostgresDB, nil, nil)

	_, err := env.ledger.IngestEvent(context.Background(), "ghost", "", "", events.New(events.TypeDelivered, sentAt, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrOrphanEvent)
}
