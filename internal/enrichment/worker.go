package enrichment

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/enrichment/brevo"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/retry"
	"mailtrail/pkg/tracing"
)

// Lookup resolves the provider's reason for a bounce.
type Lookup interface {
	BounceReason(ctx context.Context, q brevo.Query) (string, error)
}

// Ledger is the part of the email ledger the worker reads and patches.
type Ledger interface {
	GetRecord(ctx context.Context, externalID string) (*ledger.EmailRecord, error)
	ListEnrichmentCandidates(ctx context.Context, limit int, checkedBefore time.Time) ([]ledger.EventRef, error)
	PatchEventExtra(ctx context.Context, ref ledger.EventRef, patch map[string]interface{}) (*ledger.EmailRecord, error)
}

type Options struct {
	RPS                 float64
	BatchSize           int
	Workers             int
	Interval            time.Duration
	RateLimitBackoff    time.Duration
	MaxRateLimitRetries int
	UnresolvedCooldown  time.Duration
	Retry               retry.Policy
}

func OptionsFromConfig(cfg config.EnrichmentConfig) Options {
	return Options{
		RPS:                 cfg.RPS,
		BatchSize:           cfg.BatchSize,
		Workers:             cfg.Workers,
		Interval:            cfg.Interval,
		RateLimitBackoff:    cfg.RateLimitBackoff,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		UnresolvedCooldown:  cfg.UnresolvedCooldown,
		Retry:               retry.PolicyFrom(cfg.Retry),
	}
}

func (o *Options) setDefaults() {
	if o.RPS <= 0 {
		o.RPS = constants.DefaultEnrichmentRPS
	}
	if o.BatchSize <= 0 {
		o.BatchSize = constants.DefaultEnrichmentBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = constants.DefaultRateLimitBackoff
	}
	if o.MaxRateLimitRetries <= 0 {
		o.MaxRateLimitRetries = 3
	}
	if o.UnresolvedCooldown <= 0 {
		o.UnresolvedCooldown = time.Hour
	}

	o.Retry = o.Retry.WithDefaults(retry.DefaultPolicy())
}

// RunSummary counts what one pass did.
type RunSummary struct {
	Candidates int           `json:"candidates"`
	Enriched   int           `json:"enriched"`
	Unresolved int           `json:"unresolved"`
	Requeued   int           `json:"requeued"`
	Duration   time.Duration `json:"duration"`
}

// Worker fills in bounce reasons the webhook feed did not carry. It is the
// only writer of bounce_reason.
type Worker struct {
	ledger  Ledger
	lookup  Lookup
	limiter *rate.Limiter
	opts    Options
	logger  logger.Logger

	mu         sync.Mutex
	candidates map[string]*Candidate
	queue      []ledger.EventRef

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(l Ledger, lookup Lookup, opts Options, log logger.Logger) *Worker {
	opts.setDefaults()
	return &Worker{
		ledger:     l,
		lookup:     lookup,
		limiter:    rate.NewLimiter(rate.Limit(opts.RPS), 1),
		opts:       opts,
		logger:     log,
		candidates: make(map[string]*Candidate),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Enqueue adds ref as pending. Refs already pending, in flight or enriched
// are left alone; an unresolved ref is queued again.
func (w *Worker) Enqueue(ref ledger.EventRef) error {
	if ref.ExternalID == "" || ref.Timestamp.IsZero() {
		return pkgerrors.ErrValidation.WithDetail("message", "external_id and timestamp are required")
	}
	if ref.Type == "" {
		ref.Type = events.TypeBounced
	}
	if ref.Type != events.TypeBounced {
		return pkgerrors.ErrValidation.WithDetail("message", "only bounced events can be enriched").
			WithDetail("type", string(ref.Type))
	}
	ref.Timestamp = events.NormalizeTimestamp(ref.Timestamp)

	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.lookupCandidate(ref)
	switch {
	case c == nil:
		w.track(ref)
	case c.State == StateUnresolved:
		c.State = StatePending
		c.UpdatedAt = w.now()
	default:
		return nil
	}
	w.queue = append(w.queue, ref)
	metrics.IncEnrichmentCandidate(string(StatePending))
	return nil
}

// Candidate returns a copy of the tracked state for ref.
func (w *Worker) Candidate(ref ledger.EventRef) (Candidate, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.lookupCandidate(ref)
	if c == nil {
		return Candidate{}, false
	}
	return *c, true
}

// RunOnce processes one batch: explicitly queued refs first, then bounced
// events polled from the ledger.
func (w *Worker) RunOnce(ctx context.Context) (RunSummary, error) {
	ctx, span := tracing.GetTracer("enrichment").Start(ctx, "enrichment.run")
	defer span.End()

	start := time.Now()
	summary := RunSummary{}

	polled, err := w.ledger.ListEnrichmentCandidates(ctx, w.opts.BatchSize, w.now().Add(-w.opts.UnresolvedCooldown))
	if err != nil {
		return summary, err
	}
	batch := w.claim(polled)
	summary.Candidates = len(batch)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			state := w.process(gCtx, c)
			mu.Lock()
			switch state {
			case StateEnriched:
				summary.Enriched++
			case StateUnresolved:
				summary.Unresolved++
			case StatePending:
				summary.Requeued++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	metrics.ObserveEnrichmentRunDuration(summary.Duration)
	if summary.Candidates > 0 {
		w.logger.InfowCtx(ctx, "Enrichment run finished",
			"candidates", summary.Candidates,
			"enriched", summary.Enriched,
			"unresolved", summary.Unresolved,
			"requeued", summary.Requeued,
			"duration", summary.Duration,
		)
	}
	return summary, ctx.Err()
}

// Run calls RunOnce every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorwCtx(ctx, "Enrichment run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// claim picks up to BatchSize refs and marks them enriching.
func (w *Worker) claim(polled []ledger.EventRef) []*Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	batch := make([]*Candidate, 0, w.opts.BatchSize)
	take := func(ref ledger.EventRef) {
		if len(batch) >= w.opts.BatchSize {
			return
		}
		c := w.lookupCandidate(ref)
		if c == nil {
			c = w.track(ref)
		}
		if !c.ready(now, w.opts.UnresolvedCooldown) {
			return
		}
		c.State = StateEnriching
		c.UpdatedAt = now
		batch = append(batch, c)
	}

	queued := w.queue
	w.queue = nil
	for i, ref := range queued {
		if len(batch) >= w.opts.BatchSize {
			w.queue = append(w.queue, queued[i:]...)
			break
		}
		take(ref)
	}
	for _, ref := range polled {
		take(ref)
	}
	return batch
}

func (w *Worker) process(ctx context.Context, c *Candidate) State {
	ref := c.Ref
	rec, err := w.ledger.GetRecord(ctx, ref.ExternalID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return w.finish(ctx, c, StateUnresolved, "", err)
		}
		return w.finish(ctx, c, StatePending, "", err)
	}

	ev, ok := findEvent(rec, ref)
	if !ok {
		return w.finish(ctx, c, StateUnresolved, "", pkgerrors.ErrNotFound.WithDetail("message", "event not in record"))
	}
	if ev.BounceReason() != "" {
		return w.finish(ctx, c, StateEnriched, ev.BounceReason(), nil)
	}

	bounceType, _ := ev.Extra[events.ExtraBounceType].(string)
	reason, err := w.resolve(ctx, brevo.Query{MessageID: ref.ExternalID, BounceType: bounceType, Date: ref.Timestamp})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return w.finish(ctx, c, StatePending, "", ctx.Err())
	case pkgerrors.IsUnauthorized(err):
		w.logger.ErrorwCtx(ctx, "Brevo rejected the enrichment request", "ref", ref.String(), "error", err)
		return w.finish(ctx, c, StateUnresolved, "", err)
	default:
		w.markChecked(ctx, ref)
		return w.finish(ctx, c, StateUnresolved, "", err)
	}

	if _, err := w.ledger.PatchEventExtra(ctx, ref, map[string]interface{}{events.ExtraBounceReason: reason}); err != nil {
		if pkgerrors.IsNotFound(err) {
			return w.finish(ctx, c, StateUnresolved, "", err)
		}
		return w.finish(ctx, c, StatePending, "", err)
	}
	return w.finish(ctx, c, StateEnriched, reason, nil)
}

// resolve runs the lookup behind the token bucket. A 429 waits the fixed
// backoff and repeats the same request; transient failures back off
// exponentially; anything else stops at once.
func (w *Worker) resolve(ctx context.Context, q brevo.Query) (string, error) {
	var (
		reason      string
		rateLimited int
	)
	err := retry.RetryWithCallback(ctx, w.opts.Retry, func() error {
		for {
			if err := w.limiter.Wait(ctx); err != nil {
				return retry.Stop(err)
			}
			r, err := w.lookup.BounceReason(ctx, q)
			if err == nil {
				reason = r
				return nil
			}
			if pkgerrors.IsRateLimited(err) {
				if rateLimited >= w.opts.MaxRateLimitRetries {
					return retry.Stop(err)
				}
				rateLimited++
				w.logger.WarnwCtx(ctx, "Brevo rate limit hit, backing off",
					"message_id", q.MessageID,
					"backoff", w.opts.RateLimitBackoff,
					"attempt", rateLimited,
				)
				if err := w.sleep(ctx, w.opts.RateLimitBackoff); err != nil {
					return retry.Stop(err)
				}
				continue
			}
			if transient(err) {
				return err
			}
			return retry.Stop(err)
		}
	}, func(attempt int, err error, next time.Duration) {
		w.logger.DebugwCtx(ctx, "Retrying bounce lookup", "message_id", q.MessageID, "attempt", attempt, "next", next, "error", err)
	})
	return reason, err
}

// markChecked stamps the bounce so the poll skips it until the cooldown
// passes and older bounces get their turn.
func (w *Worker) markChecked(ctx context.Context, ref ledger.EventRef) {
	patch := map[string]interface{}{events.ExtraEnrichmentCheckedAt: w.now().UTC().Format(time.RFC3339Nano)}
	if _, err := w.ledger.PatchEventExtra(ctx, ref, patch); err != nil {
		w.logger.WarnwCtx(ctx, "Failed to mark bounce as checked", "ref", ref.String(), "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, c *Candidate, state State, reason string, cause error) State {
	w.mu.Lock()
	c.State = state
	c.UpdatedAt = w.now()
	if reason != "" {
		c.Reason = reason
	}
	if state == StateUnresolved || state == StatePending {
		c.Attempts++
	}
	if cause != nil {
		c.LastError = cause.Error()
	} else {
		c.LastError = ""
	}
	w.mu.Unlock()

	metrics.IncEnrichmentCandidate(string(state))
	if state == StateUnresolved {
		w.logger.WarnwCtx(ctx, "Bounce left unresolved", "ref", c.Ref.String(), "error", cause)
	}
	return state
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return pkgerrors.IsRetryable(err) && !pkgerrors.IsNotFound(err)
}

func findEvent(rec *ledger.EmailRecord, ref ledger.EventRef) (events.Event, bool) {
	key := ref.Key()
	for _, ev := range rec.Events {
		if ev.Key() == key {
			return ev, true
		}
	}
	return events.Event{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
