package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/logger"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/tracing"
)

const rollbackTimeout = 5 * time.Second

// Aggregator receives every net status transition. Hold is taken before a
// record is persisted and released after its delta is applied; it fails
// when ctx ends before the group guard is free.
type Aggregator interface {
	Hold(ctx context.Context, groupKey string) (release func(), err error)
	OnTransition(ctx context.Context, groupKey string, from, to status.Status) error
}

type Options struct {
	IngestTimeout      time.Duration
	MaxConflictRetries int
	OrphanPolicy       string
	OrphanWindow       time.Duration
	OrphanCapacity     int
	// OnOrphan is called for every rejected or expired orphan event.
	OnOrphan func(*OrphanEventError)
	Clock    func() time.Time
}

func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{
		IngestTimeout:      cfg.IngestTimeout,
		MaxConflictRetries: cfg.MaxConflictRetries,
		OrphanPolicy:       cfg.OrphanPolicy,
		OrphanWindow:       cfg.OrphanWindow,
		OrphanCapacity:     cfg.OrphanCapacity,
	}
}

func (o *Options) setDefaults() {
	if o.IngestTimeout <= 0 {
		o.IngestTimeout = constants.DefaultIngestTimeout
	}
	if o.MaxConflictRetries < 0 {
		o.MaxConflictRetries = 0
	}
	if o.OrphanPolicy == "" {
		o.OrphanPolicy = constants.OrphanPolicyReject
	}
	if o.OrphanWindow <= 0 {
		o.OrphanWindow = constants.DefaultOrphanWindow
	}
	if o.OrphanCapacity <= 0 {
		o.OrphanCapacity = constants.DefaultOrphanCapacity
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Ledger is the single write path for EmailRecords.
type Ledger struct {
	repo       Repository
	aggregates Aggregator
	locker     Locker
	orphans    *orphanBuffer
	opts       Options
	logger     logger.Logger
}

func New(repo Repository, aggregates Aggregator, locker Locker, opts Options, log logger.Logger) *Ledger {
	opts.setDefaults()
	return &Ledger{
		repo:       repo,
		aggregates: aggregates,
		locker:     locker,
		orphans:    newOrphanBuffer(opts.OrphanWindow, opts.OrphanCapacity),
		opts:       opts,
		logger:     log,
	}
}

// IngestEvent appends ev to the email identified by externalID, creating the
// record when ev is its sent event. recipient and groupKey are only used on
// creation.
func (l *Ledger) IngestEvent(ctx context.Context, externalID, recipient, groupKey string, ev events.Event) (IngestResult, error) {
	return l.Ingest(ctx, events.Submission{
		ExternalID: externalID,
		Recipient:  recipient,
		GroupKey:   groupKey,
		Event:      ev,
	})
}

// Ingest is IngestEvent for a prepared submission.
func (l *Ledger) Ingest(ctx context.Context, sub events.Submission) (IngestResult, error) {
	start := time.Now()

	sub.ExternalID = strings.TrimSpace(sub.ExternalID)
	sub.Recipient = events.NormalizeRecipient(sub.Recipient)
	sub.GroupKey = strings.TrimSpace(sub.GroupKey)
	sub.Event.Timestamp = events.NormalizeTimestamp(sub.Event.Timestamp)

	if err := sub.Validate(); err != nil {
		metrics.ObserveIngest(string(sub.Event.Type), "invalid", time.Since(start))
		return IngestResult{}, err
	}

	ctx, span := tracing.GetTracer("ledger").Start(ctx, "ledger.ingest")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.opts.IngestTimeout)
	defer cancel()
	ctx = logging.WithMessageID(ctx, sub.ExternalID)

	unlock, err := l.locker.Lock(ctx, sub.ExternalID)
	if err != nil {
		metrics.ObserveIngest(string(sub.Event.Type), "timeout", time.Since(start))
		return IngestResult{}, err
	}
	defer unlock()

	res, err := l.applyWithRetry(ctx, sub)
	if err != nil {
		span.RecordError(err)
		metrics.ObserveIngest(string(sub.Event.Type), outcomeLabel(err), time.Since(start))
		return IngestResult{}, err
	}

	if sub.Event.Type == events.TypeSent && res.Outcome == OutcomeApplied {
		l.replayOrphans(ctx, sub.ExternalID, &res)
	}

	metrics.ObserveIngest(string(sub.Event.Type), string(res.Outcome), time.Since(start))
	return res, nil
}

func (l *Ledger) applyWithRetry(ctx context.Context, sub events.Submission) (IngestResult, error) {
	attempts := l.opts.MaxConflictRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := l.apply(ctx, sub)
		if !errors.Is(err, errVersionConflict) {
			return res, err
		}
		metrics.LedgerConflictRetriesTotal.Inc()
		l.logger.DebugwCtx(ctx, "Version conflict, reloading record", "attempt", attempt)
	}
	return IngestResult{}, &ConflictError{ExternalID: sub.ExternalID, Attempts: attempts}
}

func (l *Ledger) apply(ctx context.Context, sub events.Submission) (IngestResult, error) {
	rec, err := l.repo.Get(ctx, sub.ExternalID)
	if pkgerrors.IsNotFound(err) {
		if sub.Event.Type != events.TypeSent {
			return l.orphan(ctx, sub)
		}
		return l.create(ctx, sub)
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("load email %q: %w", sub.ExternalID, err)
	}

	if rec.HasEvent(sub.Event.Key()) {
		return IngestResult{Outcome: OutcomeDuplicate, Record: rec}, nil
	}

	if sub.Event.Type == events.TypeSent {
		existing, _ := rec.sentEvent()
		l.logger.WarnwCtx(ctx, "Second sent event ignored",
			"sent_at", existing.Timestamp,
			"ignored_at", sub.Event.Timestamp,
		)
		return IngestResult{Outcome: OutcomeDuplicate, Record: rec}, nil
	}

	next := rec.Clone()
	next.appendEvent(sub.Event.Clone())
	next.Version = rec.Version + 1
	next.UpdatedAt = l.opts.Clock().UTC()

	return l.commit(ctx, rec, next)
}

func (l *Ledger) create(ctx context.Context, sub events.Submission) (IngestResult, error) {
	now := l.opts.Clock().UTC()
	rec := &EmailRecord{
		ExternalID: sub.ExternalID,
		Recipient:  sub.Recipient,
		GroupKey:   sub.GroupKey,
		SentAt:     sub.Event.Timestamp,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec.appendEvent(sub.Event.Clone())

	return l.commit(ctx, nil, rec)
}

// commit persists next (compare-and-swap against prev) and applies the
// aggregate delta. A failed delta restores prev so the call has no effect.
func (l *Ledger) commit(ctx context.Context, prev, next *EmailRecord) (IngestResult, error) {
	from := status.Unknown
	if prev != nil {
		from = prev.Status
	}

	release, err := l.aggregates.Hold(ctx, next.GroupKey)
	if err != nil {
		return IngestResult{}, err
	}
	defer release()

	if prev == nil {
		err = l.repo.Create(ctx, next)
	} else {
		err = l.repo.Update(ctx, next, prev.Version)
	}
	if pkgerrors.IsConflict(err) {
		return IngestResult{}, errVersionConflict
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("save email %q: %w", next.ExternalID, err)
	}

	res := IngestResult{Outcome: OutcomeApplied, Record: next.Clone()}
	if from == next.Status {
		return res, nil
	}

	if err := l.aggregates.OnTransition(ctx, next.GroupKey, from, next.Status); err != nil {
		l.rollback(ctx, prev, next)
		return IngestResult{}, fmt.Errorf("update group %q: %w", next.GroupKey, err)
	}

	metrics.IncStatusTransition(from.String(), next.Status.String())
	res.Transition = &Transition{From: from, To: next.Status}
	return res, nil
}

func (l *Ledger) rollback(ctx context.Context, prev, next *EmailRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var err error
	if prev == nil {
		err = l.repo.Delete(ctx, next.ExternalID, next.Version)
	} else {
		err = l.repo.Update(ctx, prev, next.Version)
	}
	if err != nil {
		l.logger.ErrorwCtx(ctx, "Failed to restore email after aggregate failure",
			"version", next.Version,
			"error", err,
		)
	}
}

func (l *Ledger) orphan(ctx context.Context, sub events.Submission) (IngestResult, error) {
	reason := OrphanRejected
	if l.opts.OrphanPolicy == constants.OrphanPolicyBuffer {
		if l.orphans.add(sub, l.opts.Clock()) {
			metrics.IncOrphan("buffered")
			metrics.SetOrphanBufferSize(l.orphans.count())
			l.logger.InfowCtx(ctx, "Orphan event buffered",
				"type", sub.Event.Type,
				"timestamp", sub.Event.Timestamp,
			)
			return IngestResult{Outcome: OutcomeBuffered}, nil
		}
		reason = OrphanBufferFull
	}

	err := &OrphanEventError{
		ExternalID: sub.ExternalID,
		Type:       sub.Event.Type,
		Timestamp:  sub.Event.Timestamp,
		Reason:     reason,
	}
	l.reportOrphan(ctx, err)
	return IngestResult{}, err
}

func (l *Ledger) reportOrphan(ctx context.Context, err *OrphanEventError) {
	metrics.IncOrphan(err.Reason)
	l.logger.WarnwCtx(logging.WithMessageID(ctx, err.ExternalID), "Orphan event not applied",
		"type", err.Type,
		"timestamp", err.Timestamp,
		"reason", err.Reason,
	)
	if l.opts.OnOrphan != nil {
		l.opts.OnOrphan(err)
	}
}

// replayOrphans applies buffered events of a freshly created record, in
// timestamp order, under the lock already held by the caller.
func (l *Ledger) replayOrphans(ctx context.Context, externalID string, res *IngestResult) {
	live, expired := l.orphans.take(externalID, l.opts.Clock())
	for _, sub := range expired {
		l.reportOrphan(ctx, orphanExpired(sub))
	}
	if len(live) == 0 {
		return
	}
	defer metrics.SetOrphanBufferSize(l.orphans.count())

	for _, sub := range live {
		replayed, err := l.applyWithRetry(ctx, sub)
		if err != nil {
			l.logger.ErrorwCtx(ctx, "Failed to replay buffered event",
				"type", sub.Event.Type,
				"timestamp", sub.Event.Timestamp,
				"error", err,
			)
			continue
		}
		metrics.IncOrphan("replayed")
		res.Replayed++
		if replayed.Record != nil {
			res.Record = replayed.Record
		}
	}
}

// SweepOrphans drops buffered orphans that outlived the window and reports
// each of them.
func (l *Ledger) SweepOrphans(ctx context.Context) []*OrphanEventError {
	expired := l.orphans.expire(l.opts.Clock())
	metrics.SetOrphanBufferSize(l.orphans.count())

	out := make([]*OrphanEventError, 0, len(expired))
	for _, sub := range expired {
		err := orphanExpired(sub)
		l.reportOrphan(ctx, err)
		out = append(out, err)
	}
	return out
}

// RunSweeper calls SweepOrphans every interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = constants.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := len(l.SweepOrphans(ctx)); n > 0 {
				l.logger.InfowCtx(ctx, "Expired orphan events", "count", n)
			}
		}
	}
}

// BufferedOrphans is the number of events waiting for their sent event.
func (l *Ledger) BufferedOrphans() int {
	return l.orphans.count()
}

// PatchEventExtra merges patch into the extra map of one event. Status and
// aggregates are never touched.
func (l *Ledger) PatchEventExtra(ctx context.Context, ref EventRef, patch map[string]interface{}) (*EmailRecord, error) {
	if strings.TrimSpace(ref.ExternalID) == "" {
		return nil, events.NewValidationError("external_id", "message id is required")
	}
	if len(patch) == 0 {
		return nil, events.NewValidationError("extra", "patch is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.IngestTimeout)
	defer cancel()
	ctx = logging.WithMessageID(ctx, ref.ExternalID)

	unlock, err := l.locker.Lock(ctx, ref.ExternalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempts := l.opts.MaxConflictRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		rec, err := l.repo.Get(ctx, ref.ExternalID)
		if err != nil {
			return nil, err
		}
		idx := rec.eventIndex(ref.Key())
		if idx < 0 {
			return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("event %s not found", ref))
		}

		next := rec.Clone()
		ev := &next.Events[idx]
		if ev.Extra == nil {
			ev.Extra = make(map[string]interface{}, len(patch))
		}
		for k, v := range patch {
			ev.Extra[k] = v
		}
		next.Version = rec.Version + 1
		next.UpdatedAt = l.opts.Clock().UTC()

		err = l.repo.Update(ctx, next, rec.Version)
		if pkgerrors.IsConflict(err) {
			metrics.LedgerConflictRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("patch event %s: %w", ref, err)
		}
		return next, nil
	}
	return nil, &ConflictError{ExternalID: ref.ExternalID, Attempts: attempts}
}

func (l *Ledger) GetRecord(ctx context.Context, externalID string) (*EmailRecord, error) {
	return l.repo.Get(ctx, externalID)
}

// ListByGroup returns the members of a group, optionally only those with
// the given status.
func (l *Ledger) ListByGroup(ctx context.Context, groupKey string, filter *status.Status) ([]*EmailRecord, error) {
	return l.repo.ListByGroup(ctx, groupKey, filter)
}

func (l *Ledger) ListByStatus(ctx context.Context, s status.Status, limit int) ([]*EmailRecord, error) {
	return l.repo.ListByStatus(ctx, s, limit)
}

// ListEnrichmentCandidates returns bounced events without a bounce reason
// that were never looked up or whose last failed lookup predates
// checkedBefore. Never-checked events come first, newest first.
func (l *Ledger) ListEnrichmentCandidates(ctx context.Context, limit int, checkedBefore time.Time) ([]EventRef, error) {
	return l.repo.EnrichmentCandidates(ctx, limit, checkedBefore)
}

// SearchEmails lists emails sent in [q.From, q.To) whose recipient starts
// with q.RecipientPrefix, newest first. A zero To means now and a zero From
// means the default stats window before To.
func (l *Ledger) SearchEmails(ctx context.Context, q SearchQuery) ([]*EmailRecord, error) {
	if q.To.IsZero() {
		q.To = l.opts.Clock().UTC()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-constants.DefaultStatsWindow)
	}
	if !q.From.Before(q.To) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "from must be before to")
	}
	q.RecipientPrefix = events.NormalizeRecipient(q.RecipientPrefix)
	if q.Limit <= 0 {
		q.Limit = constants.DefaultLimit
	}
	if q.Limit > constants.MaxLimit {
		q.Limit = constants.MaxLimit
	}
	return l.repo.Search(ctx, q)
}

func orphanExpired(sub events.Submission) *OrphanEventError {
	return &OrphanEventError{
		ExternalID: sub.ExternalID,
		Type:       sub.Event.Type,
		Timestamp:  sub.Event.Timestamp,
		Reason:     OrphanExpired,
	}
}

func outcomeLabel(err error) string {
	var orphanErr *OrphanEventError
	var conflictErr *ConflictError
	switch {
	case errors.As(err, &orphanErr):
		return "orphan"
	case errors.As(err, &conflictErr):
		return "conflict"
	case pkgerrors.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
