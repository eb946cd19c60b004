package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/status"
	"mailtrail/pkg/metrics"
)

// PostgresStore keeps counters in the message_groups table. Every mutation
// is one statement, so a delta is applied atomically by the row lock taken
// by the upsert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Name() string {
	return constants.StorePostgres
}

const applyDeltaQuery = `
	INSERT INTO message_groups (group_key, subject, sent_date,
		total_sent, total_delivered, total_opened, total_clicked, total_bounced, total_blocked, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (group_key) DO UPDATE SET
		total_sent      = message_groups.total_sent + EXCLUDED.total_sent,
		total_delivered = message_groups.total_delivered + EXCLUDED.total_delivered,
		total_opened    = message_groups.total_opened + EXCLUDED.total_opened,
		total_clicked   = message_groups.total_clicked + EXCLUDED.total_clicked,
		total_bounced   = message_groups.total_bounced + EXCLUDED.total_bounced,
		total_blocked   = message_groups.total_blocked + EXCLUDED.total_blocked,
		updated_at      = NOW()
`

const replaceQuery = `
	INSERT INTO message_groups (group_key, subject, sent_date,
		total_sent, total_delivered, total_opened, total_clicked, total_bounced, total_blocked, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	ON CONFLICT (group_key) DO UPDATE SET
		total_sent      = EXCLUDED.total_sent,
		total_delivered = EXCLUDED.total_delivered,
		total_opened    = EXCLUDED.total_opened,
		total_clicked   = EXCLUDED.total_clicked,
		total_bounced   = EXCLUDED.total_bounced,
		total_blocked   = EXCLUDED.total_blocked,
		updated_at      = NOW()
`

func (s *PostgresStore) ApplyDelta(ctx context.Context, groupKey string, delta status.Counters) error {
	return s.upsert(ctx, "apply_delta", applyDeltaQuery, groupKey, delta)
}

func (s *PostgresStore) Replace(ctx context.Context, groupKey string, counters status.Counters) error {
	return s.upsert(ctx, "replace", replaceQuery, groupKey, counters)
}

func (s *PostgresStore) upsert(ctx context.Context, op, query, groupKey string, c status.Counters) error {
	start := time.Now()
	subject, date := events.SplitGroupKey(groupKey)

	_, err := s.db.ExecContext(ctx, query,
		groupKey, subject, nullDate(date),
		c.Sent, c.Delivered, c.Opened, c.Clicked, c.Bounced, c.Blocked,
	)
	observe(op, start, err)
	if err != nil {
		return fmt.Errorf("failed to %s group: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, groupKey string) (status.Counters, bool, error) {
	start := time.Now()
	query := `
		SELECT total_sent, total_delivered, total_opened, total_clicked, total_bounced, total_blocked
		FROM message_groups
		WHERE group_key = $1
	`

	var c status.Counters
	err := s.db.QueryRowContext(ctx, query, groupKey).Scan(
		&c.Sent, &c.Delivered, &c.Opened, &c.Clicked, &c.Bounced, &c.Blocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		observe("get", start, nil)
		return status.Counters{}, false, nil
	}
	observe("get", start, err)
	if err != nil {
		return status.Counters{}, false, fmt.Errorf("failed to get group: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_key FROM message_groups ORDER BY group_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
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

// nullDate binds the group key's date suffix to sent_date. Anything that is
// not a calendar date is stored as NULL.
func nullDate(date string) sql.NullString {
	d, err := time.Parse(events.GroupDateLayout, date)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(events.GroupDateLayout), Valid: true}
}

func observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.IncDatabaseQuery("aggregate", constants.StorePostgres, op, result)
	metrics.ObserveDatabaseQueryDuration("aggregate", constants.StorePostgres, op, time.Since(start))
}
