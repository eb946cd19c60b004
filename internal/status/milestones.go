package status

// Counters are the denormalized per-group milestone totals.
type Counters struct {
	Sent      int64 `json:"total_sent"`
	Delivered int64 `json:"total_delivered"`
	Opened    int64 `json:"total_opened"`
	Clicked   int64 `json:"total_clicked"`
	Bounced   int64 `json:"total_bounced"`
	Blocked   int64 `json:"total_blocked"`
}

// Milestones returns the counters one member with status s contributes.
// Every valid status implies sent; engagement implies delivery.
func Milestones(s Status) Counters {
	if !s.Valid() {
		return Counters{}
	}
	c := Counters{Sent: 1}
	switch s {
	case Clicked:
		c.Delivered, c.Opened, c.Clicked = 1, 1, 1
	case Opened:
		c.Delivered, c.Opened = 1, 1
	case Delivered:
		c.Delivered = 1
	case Bounced:
		c.Bounced = 1
	case Blocked:
		c.Blocked = 1
	}
	return c
}

// Delta is the counter change caused by one member moving between statuses.
func Delta(from, to Status) Counters {
	return Milestones(to).Sub(Milestones(from))
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		Sent:      c.Sent + o.Sent,
		Delivered: c.Delivered + o.Delivered,
		Opened:    c.Opened + o.Opened,
		Clicked:   c.Clicked + o.Clicked,
		Bounced:   c.Bounced + o.Bounced,
		Blocked:   c.Blocked + o.Blocked,
	}
}

func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Sent:      c.Sent - o.Sent,
		Delivered: c.Delivered - o.Delivered,
		Opened:    c.Opened - o.Opened,
		Clicked:   c.Clicked - o.Clicked,
		Bounced:   c.Bounced - o.Bounced,
		Blocked:   c.Blocked - o.Blocked,
	}
}

func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Fields returns the counters keyed by their storage column names.
func (c Counters) Fields() map[string]int64 {
	return map[string]int64{
		"total_sent":      c.Sent,
		"total_delivered": c.Delivered,
		"total_opened":    c.Opened,
		"total_clicked":   c.Clicked,
		"total_bounced":   c.Bounced,
		"total_blocked":   c.Blocked,
	}
}

// CountersFromFields is the inverse of Fields; missing keys are zero.
func CountersFromFields(f map[string]int64) Counters {
	return Counters{
		Sent:      f["total_sent"],
		Delivered: f["total_delivered"],
		Opened:    f["total_opened"],
		Clicked:   f["total_clicked"],
		Bounced:   f["total_bounced"],
		Blocked:   f["total_blocked"],
	}
}
