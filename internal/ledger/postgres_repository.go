package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/metrics"
)

const pgUniqueViolation = "23505"

// PostgresRepository stores records in the emails and email_events tables.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const emailColumns = `external_id, recipient, group_key, sent_at, status, version, created_at, updated_at`

func (r *PostgresRepository) Get(ctx context.Context, externalID string) (*EmailRecord, error) {
	defer observe("get", time.Now())

	query := `SELECT ` + emailColumns + ` FROM emails WHERE external_id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	if err := r.loadEvents(ctx, []*EmailRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rec *EmailRecord) error {
	defer observe("create", time.Now())

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO emails (` + emailColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (external_id) DO NOTHING
		`
		res, err := tx.ExecContext(ctx, query,
			rec.ExternalID, rec.Recipient, rec.GroupKey, rec.SentAt,
			string(rec.Status), rec.Version, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert email: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pkgerrors.ErrConflict.WithDetail("external_id", rec.ExternalID)
		}
		return r.writeEvents(ctx, tx, rec)
	})
}

func (r *PostgresRepository) Update(ctx context.Context, rec *EmailRecord, expected int64) error {
	defer observe("update", time.Now())

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE emails
			SET recipient = $2, group_key = $3, sent_at = $4, status = $5, version = $6, updated_at = $7
			WHERE external_id = $1 AND version = $8
		`
		res, err := tx.ExecContext(ctx, query,
			rec.ExternalID, rec.Recipient, rec.GroupKey, rec.SentAt,
			string(rec.Status), rec.Version, rec.UpdatedAt, expected,
		)
		if err != nil {
			return fmt.Errorf("failed to update email: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pkgerrors.ErrConflict.WithDetail("external_id", rec.ExternalID)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM email_events WHERE external_id = $1 AND seq > $2`,
			rec.ExternalID, rec.maxSeq(),
		); err != nil {
			return fmt.Errorf("failed to trim events: %w", err)
		}
		return r.writeEvents(ctx, tx, rec)
	})
}

func (r *PostgresRepository) writeEvents(ctx context.Context, tx *sql.Tx, rec *EmailRecord) error {
	query := `
		INSERT INTO email_events (id, external_id, type, ts, seq, extra, unclassified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id, type, ts) DO UPDATE SET extra = EXCLUDED.extra
	`
	for _, e := range rec.Events {
		extra, err := json.Marshal(e.Extra)
		if err != nil {
			return fmt.Errorf("failed to encode extra: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			uuid.New().String(), rec.ExternalID, string(e.Type), e.Timestamp, e.Seq, extra, e.Unclassified,
		); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pgUniqueViolation {
				return pkgerrors.ErrConflict.WithCause(err)
			}
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, externalID string, version int64) error {
	defer observe("delete", time.Now())

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM emails WHERE external_id = $1 AND version = $2`, externalID, version)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM emails WHERE external_id = $1)`, externalID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if exists {
			return pkgerrors.ErrConflict.WithDetail("external_id", externalID)
		}
	}
	return nil
}

func (r *PostgresRepository) ListByGroup(ctx context.Context, groupKey string, filter *status.Status) ([]*EmailRecord, error) {
	defer observe("list_by_group", time.Now())

	query := `SELECT ` + emailColumns + ` FROM emails WHERE group_key = $1`
	args := []interface{}{groupKey}
	if filter != nil {
		query += ` AND status = $2`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY sent_at, external_id`

	return r.queryRecords(ctx, query, args...)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, s status.Status, limit int) ([]*EmailRecord, error) {
	defer observe("list_by_status", time.Now())

	if limit <= 0 {
		limit = constants.MaxLimit
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE status = $1 ORDER BY sent_at, external_id LIMIT $2`
	return r.queryRecords(ctx, query, string(s), limit)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *PostgresRepository) Search(ctx context.Context, q SearchQuery) ([]*EmailRecord, error) {
	defer observe("search", time.Now())

	limit := q.Limit
	if limit <= 0 {
		limit = constants.MaxLimit
	}
	query := `SELECT ` + emailColumns + ` FROM emails
		WHERE sent_at >= $1 AND sent_at < $2 AND recipient LIKE $3 ESCAPE '\'
		ORDER BY sent_at DESC, external_id
		LIMIT $4`
	return r.queryRecords(ctx, query, q.From, q.To, likeEscaper.Replace(q.RecipientPrefix)+"%", limit)
}

func (r *PostgresRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*EmailRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var records []*EmailRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emails: %w", err)
	}

	if err := r.loadEvents(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PostgresRepository) loadEvents(ctx context.Context, records []*EmailRecord) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]*EmailRecord, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		byID[rec.ExternalID] = rec
		ids = append(ids, rec.ExternalID)
	}

	query := `
		SELECT external_id, type, ts, seq, extra, unclassified
		FROM email_events
		WHERE external_id = ANY($1)
		ORDER BY external_id, ts, seq
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			typ   string
			e     events.Event
			extra []byte
		)
		if err := rows.Scan(&id, &typ, &e.Timestamp, &e.Seq, &extra, &e.Unclassified); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = events.Type(typ)
		e.Timestamp = events.NormalizeTimestamp(e.Timestamp)
		if len(extra) > 0 && string(extra) != "null" {
			if err := json.Unmarshal(extra, &e.Extra); err != nil {
				return fmt.Errorf("failed to decode extra of %s: %w", id, err)
			}
		}
		if rec, ok := byID[id]; ok {
			rec.Events = append(rec.Events, e)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) EnrichmentCandidates(ctx context.Context, limit int, checkedBefore time.Time) ([]EventRef, error) {
	defer observe("enrichment_candidates", time.Now())

	query := `
		SELECT external_id, type, ts
		FROM email_events
		WHERE type = $1 AND COALESCE(extra->>'bounce_reason', '') = ''
			AND (extra->>'enrichment_checked_at' IS NULL
				OR (extra->>'enrichment_checked_at')::timestamptz < $3)
		ORDER BY (extra->>'enrichment_checked_at') IS NOT NULL, ts DESC, external_id
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, string(events.TypeBounced), limit, checkedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichment candidates: %w", err)
	}
	defer rows.Close()

	var refs []EventRef
	for rows.Next() {
		var ref EventRef
		var typ string
		if err := rows.Scan(&ref.ExternalID, &typ, &ref.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ref.Type = events.Type(typ)
		ref.Timestamp = events.NormalizeTimestamp(ref.Timestamp)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *PostgresRepository) GroupStatuses(ctx context.Context, groupKey string) ([]status.Status, error) {
	defer observe("group_statuses", time.Now())

	rows, err := r.db.QueryContext(ctx, `SELECT status FROM emails WHERE group_key = $1`, groupKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list group statuses: %w", err)
	}
	defer rows.Close()

	var out []status.Status
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		out = append(out, status.Status(s))
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GroupKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT group_key FROM emails ORDER BY group_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list group keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan group key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*EmailRecord, error) {
	var (
		rec EmailRecord
		st  string
	)
	if err := row.Scan(
		&rec.ExternalID, &rec.Recipient, &rec.GroupKey, &rec.SentAt,
		&st, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = status.Status(st)
	rec.SentAt = events.NormalizeTimestamp(rec.SentAt)
	return &rec, nil
}

func observe(op string, start time.Time) {
	metrics.ObserveDatabaseQueryDuration("ledger", constants.StorePostgres, op, time.Since(start))
}

var _ Repository = (*PostgresRepository)(nil)
