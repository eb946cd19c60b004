package history

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	"mailtrail/pkg/metrics"
)

// Discard reasons.
const (
	ReasonMissingSent     = "missing_sent"
	ReasonMessageIDReused = "message_id_reused"
)

// Ingester is the ledger write path the reconstructor feeds.
type Ingester interface {
	Ingest(ctx context.Context, sub events.Submission) (ledger.IngestResult, error)
}

// ReportArchive stores finished import reports.
type ReportArchive interface {
	Save(ctx context.Context, report *ImportReport) error
}

type Options struct {
	Concurrency   int
	Location      *time.Location
	MaxDiscardLog int
	Archive       ReportArchive
}

// Reconstructor turns unordered log rows into ledger submissions.
type Reconstructor struct {
	ingester Ingester
	opts     Options
	logger   logger.Logger
}

func NewReconstructor(ingester Ingester, opts Options, log logger.Logger) *Reconstructor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxDiscardLog <= 0 {
		opts.MaxDiscardLog = 100
	}
	return &Reconstructor{ingester: ingester, opts: opts, logger: log}
}

type groupID struct {
	messageID string
	recipient string
}

type rowGroup struct {
	id   groupID
	rows []Row
}

// Import reconstructs every (message id, recipient) group in rows. Failures
// are confined to their group; only cancellation aborts the batch.
func (r *Reconstructor) Import(ctx context.Context, rows []Row) (*ImportReport, error) {
	return r.importRows(ctx, rows, nil)
}

func (r *Reconstructor) importRows(ctx context.Context, rows []Row, skipped []RowError) (*ImportReport, error) {
	report := newReport(constants.SourceHistory, len(rows), r.opts.MaxDiscardLog)
	report.SkippedRows = skipped
	defer func() {
		report.FinishedAt = time.Now().UTC()
		metrics.ObserveHistoryImportDuration(report.FinishedAt.Sub(report.StartedAt))
	}()

	groups, reused := groupRows(rows)
	report.Groups = len(groups)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, grp := range groups {
		grp := grp
		if reused[grp.id.messageID] {
			mu.Lock()
			report.discard(grp, ReasonMessageIDReused)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			outcome := r.importGroup(gCtx, grp)

			mu.Lock()
			report.record(grp, outcome)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.finalize()
		return report, err
	}
	report.finalize()

	metrics.AddHistoryGroups("accepted", report.Accepted)
	metrics.AddHistoryGroups("discarded", report.Discarded)
	metrics.AddHistoryGroups("failed", len(report.Failed))

	r.logger.InfowCtx(ctx, "Historical import finished",
		"report_id", report.ID,
		"rows", report.Rows,
		"groups", report.Groups,
		"accepted", report.Accepted,
		"discarded", report.Discarded,
		"failed", len(report.Failed),
		"events_applied", report.EventsApplied,
	)

	if r.opts.Archive != nil {
		if err := r.opts.Archive.Save(ctx, report); err != nil {
			r.logger.WarnwCtx(ctx, "Failed to archive import report", "report_id", report.ID, "error", err)
		}
	}
	return report, nil
}

// ImportCSV reads a log export with rd and imports it. Lines the reader
// skipped are carried on the report.
func (r *Reconstructor) ImportCSV(ctx context.Context, rd *CSVReader, in io.Reader) (*ImportReport, error) {
	rows, skipped, err := rd.Read(in)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		r.logger.WarnwCtx(ctx, "Skipped unparsable log lines", "count", len(skipped))
	}

	return r.importRows(ctx, rows, skipped)
}

// groupRows groups rows by (message id, recipient) in order of first
// appearance and flags message ids seen with more than one recipient.
func groupRows(rows []Row) ([]*rowGroup, map[string]bool) {
	index := make(map[groupID]*rowGroup)
	recipients := make(map[string]map[string]struct{})
	var groups []*rowGroup

	for _, row := range rows {
		id := groupID{messageID: row.MessageID, recipient: events.NormalizeRecipient(row.Recipient)}
		grp, ok := index[id]
		if !ok {
			grp = &rowGroup{id: id}
			index[id] = grp
			groups = append(groups, grp)
		}
		grp.rows = append(grp.rows, row)

		if recipients[id.messageID] == nil {
			recipients[id.messageID] = make(map[string]struct{})
		}
		recipients[id.messageID][id.recipient] = struct{}{}
	}

	reused := make(map[string]bool)
	for mid, set := range recipients {
		if len(set) > 1 {
			reused[mid] = true
		}
	}
	return groups, reused
}

type classifiedRow struct {
	row   Row
	event events.Event
}

type groupOutcome struct {
	discardReason string
	unknownRows   int
	applied       int
	duplicates    int
	buffered      int
	err           error
}

func (r *Reconstructor) importGroup(ctx context.Context, grp *rowGroup) groupOutcome {
	var out groupOutcome

	classified := make([]classifiedRow, 0, len(grp.rows))
	for _, row := range grp.rows {
		c := events.ClassifyLogStatus(row.StatusText)
		if !c.Type.Valid() {
			out.unknownRows++
			continue
		}
		extra := c.Extra
		if c.Type == events.TypeClicked && row.Link != "" {
			if extra == nil {
				extra = make(map[string]interface{}, 1)
			}
			extra[events.ExtraClickURL] = row.Link
		}
		ev := events.New(c.Type, row.Timestamp, extra)
		ev.Unclassified = c.Unclassified
		classified = append(classified, classifiedRow{row: row, event: ev})
	}

	sort.SliceStable(classified, func(i, j int) bool {
		return classified[i].event.Timestamp.Before(classified[j].event.Timestamp)
	})

	sentIdx := -1
	for i, c := range classified {
		if c.event.Type == events.TypeSent {
			sentIdx = i
			break
		}
	}
	if sentIdx < 0 {
		out.discardReason = ReasonMissingSent
		return out
	}

	sent := classified[sentIdx]
	groupKey := events.GroupKey(sent.row.Subject, sent.event.Timestamp, r.opts.Location)
	ordered := make([]classifiedRow, 0, len(classified))
	ordered = append(ordered, sent)
	ordered = append(ordered, classified[:sentIdx]...)
	ordered = append(ordered, classified[sentIdx+1:]...)

	for _, c := range ordered {
		res, err := r.ingester.Ingest(ctx, events.Submission{
			ExternalID: grp.id.messageID,
			Recipient:  grp.id.recipient,
			GroupKey:   groupKey,
			Subject:    sent.row.Subject,
			Source:     constants.SourceHistory,
			Event:      c.event,
		})
		if err != nil {
			out.err = fmt.Errorf("line %d (%s): %w", c.row.Line, c.event.Type, err)
			return out
		}
		switch res.Outcome {
		case ledger.OutcomeApplied:
			out.applied++
		case ledger.OutcomeDuplicate:
			out.duplicates++
		case ledger.OutcomeBuffered:
			out.buffered++
		}
	}
	return out
}
