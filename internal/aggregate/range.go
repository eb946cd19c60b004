package aggregate

import (
	"context"
	"fmt"
	"time"

	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/status"
	pkgerrors "mailtrail/pkg/errors"
)

// RangeSummary is the dashboard view of every group sent in a date range.
type RangeSummary struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Groups int    `json:"groups"`
	status.Counters
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	ClickToOpenRate float64 `json:"click_to_open_rate"`
}

// RangeStats sums the counters of the groups whose sent date falls between
// from and to, both inclusive calendar dates. A zero to means today and a
// zero from means the default stats window before to. Groups whose key
// carries no date are left out.
func (m *Maintainer) RangeStats(ctx context.Context, from, to time.Time) (RangeSummary, error) {
	if to.IsZero() {
		to = m.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-constants.DefaultStatsWindow)
	}
	first, last := day(from), day(to)
	if first.After(last) {
		return RangeSummary{}, pkgerrors.ErrValidation.WithDetail("message", "from must not be after to")
	}

	keys, err := m.store.Keys(ctx)
	if err != nil {
		return RangeSummary{}, fmt.Errorf("list stored groups: %w", err)
	}

	summary := RangeSummary{
		From: first.Format(events.GroupDateLayout),
		To:   last.Format(events.GroupDateLayout),
	}
	for _, k := range keys {
		sent, ok := events.GroupDate(k)
		if !ok || sent.Before(first) || sent.After(last) {
			continue
		}
		c, found, err := m.store.Get(ctx, k)
		if err != nil {
			return RangeSummary{}, fmt.Errorf("get group %q: %w", k, err)
		}
		if !found {
			continue
		}
		summary.Counters = summary.Counters.Add(c)
		summary.Groups++
	}

	c := summary.Counters
	summary.DeliveryRate = rate(c.Delivered, c.Sent)
	summary.OpenRate = rate(c.Opened, c.Delivered)
	summary.ClickRate = rate(c.Clicked, c.Delivered)
	summary.ClickToOpenRate = rate(c.Clicked, c.Opened)
	return summary, nil
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
