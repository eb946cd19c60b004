package aggregate

import (
	"context"
	"math"
	"time"

	"mailtrail/internal/events"
	"mailtrail/internal/status"
)

// Store persists MessageGroup counters. ApplyDelta must be a single atomic
// operation: concurrent deltas for the same group never lose updates and
// readers never observe half of a delta.
type Store interface {
	ApplyDelta(ctx context.Context, groupKey string, delta status.Counters) error
	Get(ctx context.Context, groupKey string) (status.Counters, bool, error)
	Replace(ctx context.Context, groupKey string, counters status.Counters) error
	Keys(ctx context.Context) ([]string, error)
	Name() string
}

// MemberSource exposes the current statuses of a group's members, the ground
// truth Reconcile recomputes from.
type MemberSource interface {
	GroupStatuses(ctx context.Context, groupKey string) ([]status.Status, error)
	GroupKeys(ctx context.Context) ([]string, error)
}

// Snapshot is the read model of one MessageGroup.
type Snapshot struct {
	GroupKey string `json:"group_key"`
	Subject  string `json:"subject"`
	SentDate string `json:"sent_date"`
	status.Counters
	DeliveryRate    float64   `json:"delivery_rate"`
	OpenRate        float64   `json:"open_rate"`
	ClickRate       float64   `json:"click_rate"`
	ClickToOpenRate float64   `json:"click_to_open_rate"`
	ComputedAt      time.Time `json:"computed_at"`
}

// NewSnapshot derives rates (percentages, two decimals) from counters.
func NewSnapshot(groupKey string, c status.Counters) Snapshot {
	subject, date := events.SplitGroupKey(groupKey)
	return Snapshot{
		GroupKey:        groupKey,
		Subject:         subject,
		SentDate:        date,
		Counters:        c,
		DeliveryRate:    rate(c.Delivered, c.Sent),
		OpenRate:        rate(c.Opened, c.Delivered),
		ClickRate:       rate(c.Clicked, c.Delivered),
		ClickToOpenRate: rate(c.Clicked, c.Opened),
		ComputedAt:      time.Now().UTC(),
	}
}

func rate(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*10000) / 100
}

// Tally recomputes counters from member statuses.
func Tally(statuses []status.Status) status.Counters {
	var c status.Counters
	for _, s := range statuses {
		c = c.Add(status.Milestones(s))
	}
	return c
}
