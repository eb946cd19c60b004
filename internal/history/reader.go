package history

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mailtrail/internal/constants"
)

// Row is one status line of the provider's log export.
type Row struct {
	Line       int       `json:"line" bson:"line"`
	MessageID  string    `json:"message_id" bson:"message_id"`
	Recipient  string    `json:"recipient" bson:"recipient"`
	Subject    string    `json:"subject" bson:"subject"`
	StatusText string    `json:"status_text" bson:"status_text"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Link       string    `json:"link,omitempty" bson:"link,omitempty"`
}

// RowError is a line that could not be parsed.
type RowError struct {
	Line   int    `json:"line" bson:"line"`
	Reason string `json:"reason" bson:"reason"`
}

// noLink is how the export spells an absent link.
const noLink = "NA"

var requiredColumns = []string{"mid", "email", "sub", "st_text", "ts"}

type ReaderOptions struct {
	Location  *time.Location
	Layout    string
	Delimiter rune
}

// CSVReader parses the Brevo log export: a header row naming at least
// mid, email, sub, st_text and ts, plus an optional link column.
type CSVReader struct {
	opts ReaderOptions
}

func NewCSVReader(opts ReaderOptions) *CSVReader {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Layout == "" {
		opts.Layout = constants.DefaultLogTimestampLayout
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	return &CSVReader{opts: opts}
}

// Read returns the parsable rows and the lines it had to skip. Only a
// missing or unusable header is an error.
func (r *CSVReader) Read(in io.Reader) ([]Row, []RowError, error) {
	cr := csv.NewReader(in)
	cr.Comma = r.opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("empty export: missing header")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", name)
		}
	}

	var (
		rows    []Row
		skipped []RowError
		line    = 1
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			skipped = append(skipped, RowError{Line: line, Reason: err.Error()})
			continue
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row := Row{
			Line:       line,
			MessageID:  field("mid"),
			Recipient:  field("email"),
			Subject:    field("sub"),
			StatusText: field("st_text"),
			Link:       field("link"),
		}
		if row.Link == noLink {
			row.Link = ""
		}
		if row.MessageID == "" {
			skipped = append(skipped, RowError{Line: line, Reason: "empty message id"})
			continue
		}

		ts, err := time.ParseInLocation(r.opts.Layout, field("ts"), r.opts.Location)
		if err != nil {
			skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("bad timestamp %q", field("ts"))})
			continue
		}
		row.Timestamp = ts
		rows = append(rows, row)
	}
	return rows, skipped, nil
}
