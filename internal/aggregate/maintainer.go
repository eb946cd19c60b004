package aggregate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/metrics"
	"mailtrail/pkg/tracing"
)

const (
	guardShards = 64
	// guardWeight is the capacity of one shard: a Hold takes 1, Reconcile
	// takes all of it.
	guardWeight = 1 << 20
)

// ReconcileResult reports what a reconciliation found for one group.
type ReconcileResult struct {
	GroupKey  string          `json:"group_key"`
	Before    status.Counters `json:"before"`
	After     status.Counters `json:"after"`
	Drift     status.Counters `json:"drift"`
	Corrected bool            `json:"corrected"`
}

// Maintainer keeps MessageGroup counters consistent with member statuses.
type Maintainer struct {
	store            Store
	members          MemberSource
	logger           logger.Logger
	guards           [guardShards]*semaphore.Weighted
	reconcileTimeout time.Duration
	now              func() time.Time
}

func NewMaintainer(store Store, members MemberSource, log logger.Logger) *Maintainer {
	m := &Maintainer{
		store:            store,
		members:          members,
		logger:           log,
		reconcileTimeout: constants.DefaultReconcileTimeout,
		now:              time.Now,
	}
	for i := range m.guards {
		m.guards[i] = semaphore.NewWeighted(guardWeight)
	}
	return m
}

// WithReconcileTimeout bounds each Reconcile, including the wait for the
// group guard. Non-positive values keep the default.
func (m *Maintainer) WithReconcileTimeout(d time.Duration) *Maintainer {
	if d > 0 {
		m.reconcileTimeout = d
	}
	return m
}

func (m *Maintainer) guard(groupKey string) *semaphore.Weighted {
	h := fnv.New32a()
	h.Write([]byte(groupKey))
	return m.guards[h.Sum32()%guardShards]
}

// Hold takes the shared side of the group guard. Writers hold it from the
// moment a member record is persisted until its delta is applied, so
// Reconcile never counts a member whose delta is still in flight. It fails
// with a retryable timeout when ctx ends first.
func (m *Maintainer) Hold(ctx context.Context, groupKey string) (release func(), err error) {
	g := m.guard(groupKey)
	if err := g.Acquire(ctx, 1); err != nil {
		return nil, guardTimeout(groupKey, err)
	}
	return func() { g.Release(1) }, nil
}

func guardTimeout(groupKey string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return pkgerrors.ErrTimeout.WithCause(cause).WithDetail("group_key", groupKey).AsRetryable()
}

// OnTransition applies the full counter delta of one member moving between
// statuses as a single atomic store operation. Callers hold the group
// guard (see Hold).
func (m *Maintainer) OnTransition(ctx context.Context, groupKey string, from, to status.Status) error {
	if from == to {
		return nil
	}
	delta := status.Delta(from, to)
	if delta.IsZero() {
		return nil
	}

	if err := m.store.ApplyDelta(ctx, groupKey, delta); err != nil {
		metrics.IncAggregateDelta(m.store.Name(), "error")
		return fmt.Errorf("apply delta to group %q: %w", groupKey, err)
	}
	metrics.IncAggregateDelta(m.store.Name(), "ok")
	return nil
}

// Stats returns the current snapshot; an unknown group has zero counters.
func (m *Maintainer) Stats(ctx context.Context, groupKey string) (Snapshot, error) {
	c, _, err := m.store.Get(ctx, groupKey)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get group %q: %w", groupKey, err)
	}
	return NewSnapshot(groupKey, c), nil
}

// Reconcile recomputes a group's counters from its members and replaces the
// stored values when they drifted. It is a no-op when counters are correct.
// The whole pass, guard wait included, is bounded by the reconcile timeout;
// running out of time yields a retryable timeout and leaves counters as
// they were.
func (m *Maintainer) Reconcile(ctx context.Context, groupKey string) (ReconcileResult, error) {
	ctx, span := tracing.GetTracer("aggregate").Start(ctx, "aggregate.reconcile")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.reconcileTimeout)
	defer cancel()

	g := m.guard(groupKey)
	if err := g.Acquire(ctx, guardWeight); err != nil {
		metrics.IncReconcile("timeout")
		return ReconcileResult{}, guardTimeout(groupKey, err)
	}
	defer g.Release(guardWeight)

	statuses, err := m.members.GroupStatuses(ctx, groupKey)
	if err != nil {
		return ReconcileResult{}, m.reconcileFailure(ctx, groupKey, "list members of", err)
	}
	truth := Tally(statuses)

	current, _, err := m.store.Get(ctx, groupKey)
	if err != nil {
		return ReconcileResult{}, m.reconcileFailure(ctx, groupKey, "get", err)
	}

	result := ReconcileResult{
		GroupKey: groupKey,
		Before:   current,
		After:    truth,
		Drift:    current.Sub(truth),
	}

	if current == truth {
		metrics.IncReconcile("clean")
		return result, nil
	}

	if err := m.store.Replace(ctx, groupKey, truth); err != nil {
		return ReconcileResult{}, m.reconcileFailure(ctx, groupKey, "replace", err)
	}
	result.Corrected = true
	metrics.IncReconcile("corrected")

	m.logger.WarnwCtx(logging.WithGroupKey(ctx, groupKey), "Group counters drifted, corrected",
		"before", current,
		"after", truth,
	)
	return result, nil
}

func (m *Maintainer) reconcileFailure(ctx context.Context, groupKey, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.IncReconcile("timeout")
		return guardTimeout(groupKey, fmt.Errorf("%s group %q: %w", op, groupKey, err))
	}
	metrics.IncReconcile("error")
	return fmt.Errorf("%s group %q: %w", op, groupKey, err)
}

// ReconcileAll reconciles every group known to either the store or the
// member source. Failures are logged and counted; the pass continues.
func (m *Maintainer) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	storeKeys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored groups: %w", err)
	}
	memberKeys, err := m.members.GroupKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list member groups: %w", err)
	}

	seen := make(map[string]struct{}, len(storeKeys)+len(memberKeys))
	for _, k := range append(storeKeys, memberKeys...) {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]ReconcileResult, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := m.Reconcile(ctx, k)
		if err != nil {
			m.logger.ErrorwCtx(ctx, "Group reconciliation failed", "group_key", k, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Run reconciles all groups every interval until ctx is done.
func (m *Maintainer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			results, err := m.ReconcileAll(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.ErrorwCtx(ctx, "Periodic reconciliation failed", "error", err)
				continue
			}
			corrected := 0
			for _, r := range results {
				if r.Corrected {
					corrected++
				}
			}
			m.logger.InfowCtx(ctx, "Periodic reconciliation finished",
				"groups", len(results),
				"corrected", corrected,
			)
		}
	}
}
