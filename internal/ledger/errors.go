package ledger

import (
	"errors"
	"fmt"
	"time"

	"mailtrail/internal/events"
	pkgerrors "mailtrail/pkg/errors"
)

// Orphan rejection reasons.
const (
	OrphanRejected   = "rejected"
	OrphanBufferFull = "buffer_full"
	OrphanExpired    = "expired"
)

// errVersionConflict signals a lost compare-and-swap; the ledger reloads and
// retries before surfacing a ConflictError.
var errVersionConflict = errors.New("record version changed")

// OrphanEventError reports a non-sent event for an email the ledger does not
// know, either rejected outright or expired from the orphan buffer.
type OrphanEventError struct {
	ExternalID string
	Type       events.Type
	Timestamp  time.Time
	Reason     string
}

func (e *OrphanEventError) Error() string {
	return fmt.Sprintf("orphan %s event for %q at %s (%s)",
		e.Type, e.ExternalID, e.Timestamp.Format(time.RFC3339Nano), e.Reason)
}

func (e *OrphanEventError) Unwrap() error {
	return pkgerrors.ErrOrphanEvent.
		WithDetail("external_id", e.ExternalID).
		WithDetail("reason", e.Reason)
}

// ConflictError is returned when concurrent writers kept winning the
// compare-and-swap race for the whole retry budget.
type ConflictError struct {
	ExternalID string
	Attempts   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %q changed concurrently, gave up after %d attempts", e.ExternalID, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return pkgerrors.ErrConflict.AsRetryable().WithDetail("external_id", e.ExternalID)
}

func notFound(externalID string) error {
	return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("email %q not found", externalID))
}
