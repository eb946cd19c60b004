package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
)

// Repository persists EmailRecords. Writes are compare-and-swap on Version:
// Update stores rec only while the stored version equals expected and
// reports pkgerrors.ErrConflict otherwise. Stored events are replaced by
// rec's events, so writing an older snapshot back reverts appended events.
type Repository interface {
	Get(ctx context.Context, externalID string) (*EmailRecord, error)
	Create(ctx context.Context, rec *EmailRecord) error
	Update(ctx context.Context, rec *EmailRecord, expected int64) error
	Delete(ctx context.Context, externalID string, version int64) error

	ListByGroup(ctx context.Context, groupKey string, filter *status.Status) ([]*EmailRecord, error)
	ListByStatus(ctx context.Context, s status.Status, limit int) ([]*EmailRecord, error)
	EnrichmentCandidates(ctx context.Context, limit int, checkedBefore time.Time) ([]EventRef, error)
	Search(ctx context.Context, q SearchQuery) ([]*EmailRecord, error)

	GroupStatuses(ctx context.Context, groupKey string) ([]status.Status, error)
	GroupKeys(ctx context.Context) ([]string, error)
}

// SearchQuery selects emails sent in [From, To) whose recipient starts with
// RecipientPrefix. Results are newest first.
type SearchQuery struct {
	From            time.Time
	To              time.Time
	RecipientPrefix string
	Limit           int
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*EmailRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*EmailRecord)}
}

func (r *MemoryRepository) Get(_ context.Context, externalID string) (*EmailRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[externalID]
	if !ok {
		return nil, notFound(externalID)
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Create(_ context.Context, rec *EmailRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ExternalID]; ok {
		return pkgerrors.ErrConflict.WithDetail("external_id", rec.ExternalID)
	}
	r.records[rec.ExternalID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rec *EmailRecord, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[rec.ExternalID]
	if !ok {
		return notFound(rec.ExternalID)
	}
	if cur.Version != expected {
		return pkgerrors.ErrConflict.WithDetail("external_id", rec.ExternalID)
	}
	r.records[rec.ExternalID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, externalID string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[externalID]
	if !ok {
		return nil
	}
	if cur.Version != version {
		return pkgerrors.ErrConflict.WithDetail("external_id", externalID)
	}
	delete(r.records, externalID)
	return nil
}

func (r *MemoryRepository) ListByGroup(_ context.Context, groupKey string, filter *status.Status) ([]*EmailRecord, error) {
	return r.list(func(rec *EmailRecord) bool {
		return rec.GroupKey == groupKey && (filter == nil || rec.Status == *filter)
	}, 0), nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, s status.Status, limit int) ([]*EmailRecord, error) {
	return r.list(func(rec *EmailRecord) bool { return rec.Status == s }, limit), nil
}

func (r *MemoryRepository) Search(_ context.Context, q SearchQuery) ([]*EmailRecord, error) {
	r.mu.RLock()
	var out []*EmailRecord
	for _, rec := range r.records {
		if rec.SentAt.Before(q.From) || !rec.SentAt.Before(q.To) {
			continue
		}
		if !strings.HasPrefix(rec.Recipient, q.RecipientPrefix) {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) list(match func(*EmailRecord) bool, limit int) []*EmailRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*EmailRecord
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) EnrichmentCandidates(_ context.Context, limit int, checkedBefore time.Time) ([]EventRef, error) {
	type candidate struct {
		ref     EventRef
		checked bool
	}

	r.mu.RLock()
	var found []candidate
	for _, rec := range r.records {
		for _, e := range rec.Events {
			if !e.NeedsEnrichment() {
				continue
			}
			at, checked := e.EnrichmentCheckedAt()
			if checked && !at.Before(checkedBefore) {
				continue
			}
			found = append(found, candidate{
				ref:     EventRef{ExternalID: rec.ExternalID, Type: e.Type, Timestamp: e.Timestamp},
				checked: checked,
			})
		}
	}
	r.mu.RUnlock()

	// Never-checked bounces first, newest first within each bucket.
	sort.Slice(found, func(i, j int) bool {
		if found[i].checked != found[j].checked {
			return !found[i].checked
		}
		if !found[i].ref.Timestamp.Equal(found[j].ref.Timestamp) {
			return found[i].ref.Timestamp.After(found[j].ref.Timestamp)
		}
		return found[i].ref.ExternalID < found[j].ref.ExternalID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	refs := make([]EventRef, 0, len(found))
	for _, c := range found {
		refs = append(refs, c.ref)
	}
	return refs, nil
}

func (r *MemoryRepository) GroupStatuses(_ context.Context, groupKey string) ([]status.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []status.Status
	for _, rec := range r.records {
		if rec.GroupKey == groupKey {
			out = append(out, rec.Status)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GroupKeys(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range r.records {
		seen[rec.GroupKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len is the number of stored records.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

var _ Repository = (*MemoryRepository)(nil)
