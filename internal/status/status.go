// Package status derives an email's lifecycle status from the set of event
// types it has received.
package status

import (
	"mailtrail/internal/events"
)

// Status is the resolved lifecycle status of an email.
type Status string

const (
	Unknown      Status = ""
	Sent         Status = "sent"
	Delivered    Status = "delivered"
	Opened       Status = "opened"
	Clicked      Status = "clicked"
	Bounced      Status = "bounced"
	Blocked      Status = "blocked"
	Deferred     Status = "deferred"
	Unsubscribed Status = "unsubscribed"
	Spam         Status = "spam"
)

// priority is the descending resolution order. spam is absent:
// it never outranks another type.
var priority = []events.Type{
	events.TypeClicked,
	events.TypeOpened,
	events.TypeDelivered,
	events.TypeBounced,
	events.TypeBlocked,
	events.TypeDeferred,
	events.TypeUnsubscribed,
	events.TypeSent,
}

// All lists every resolvable status.
var All = []Status{Sent, Delivered, Opened, Clicked, Bounced, Blocked, Deferred, Unsubscribed, Spam}

func (s Status) String() string {
	if s == Unknown {
		return "unknown"
	}
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case Sent, Delivered, Opened, Clicked, Bounced, Blocked, Deferred, Unsubscribed, Spam:
		return true
	}
	return false
}

// Parse converts a stored or user-supplied status string.
func Parse(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// Resolve returns the status implied by the set of event types present.
// The second result is false for an empty set.
func Resolve(types map[events.Type]struct{}) (Status, bool) {
	if len(types) == 0 {
		return Unknown, false
	}
	for _, t := range priority {
		if _, ok := types[t]; ok {
			return Status(t), true
		}
	}
	if _, ok := types[events.TypeSpam]; ok {
		return Spam, true
	}
	// only types outside the vocabulary
	return Unknown, false
}

// ResolveEvents is Resolve over an event slice.
func ResolveEvents(evs []events.Event) (Status, bool) {
	return Resolve(events.Types(evs))
}
