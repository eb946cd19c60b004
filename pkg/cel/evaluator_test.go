package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/events"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "valid bool expression", expr: `event == "opened"`},
		{name: "extra lookup", expr: `has(extra.bounce_type) && extra.bounce_type == "soft"`},
		{name: "non-bool expression", expr: `recipient`, wantError: true},
		{name: "invalid syntax", expr: `invalid syntax here!!!`, wantError: true},
		{name: "undefined variable", expr: `payload.status == "active"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			_, err := eval.CompileFilter(expr)
			assert.NoError(t, err)
		})
	}
}

func TestFilterMatch(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hard := events.Submission{
		ExternalID: "<m-1@relay>",
		Recipient:  "a@example.com",
		Subject:    "[Newsletter] March",
		Source:     "webhook",
		Event:      events.New(events.TypeBounced, ts, map[string]interface{}{events.ExtraBounceType: events.BounceHard}),
	}
	soft := hard
	soft.Event = events.New(events.TypeBounced, ts, map[string]interface{}{events.ExtraBounceType: events.BounceSoft})
	opened := hard
	opened.Event = events.New(events.TypeOpened, ts, nil)
	internal := opened
	internal.Recipient = "ops@internal.example.com"

	tests := []struct {
		name string
		expr string
		sub  events.Submission
		want bool
	}{
		{name: "hard bounce kept", expr: FilterExpressionExamples["hard_bounces_only"], sub: hard, want: true},
		{name: "soft bounce dropped", expr: FilterExpressionExamples["hard_bounces_only"], sub: soft, want: false},
		{name: "non bounce passes", expr: FilterExpressionExamples["hard_bounces_only"], sub: opened, want: true},
		{name: "nil extra", expr: FilterExpressionExamples["skip_proxy_opens"], sub: opened, want: true},
		{name: "subject prefix", expr: FilterExpressionExamples["subject_prefix"], sub: hard, want: true},
		{name: "year", expr: FilterExpressionExamples["after_cutover"], sub: hard, want: true},
		{name: "internal recipient", expr: FilterExpressionExamples["complex_logic"], sub: internal, want: false},
		{name: "external recipient", expr: FilterExpressionExamples["complex_logic"], sub: opened, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := eval.CompileFilter(tt.expr)
			require.NoError(t, err)
			got, err := f.Match(context.Background(), tt.sub)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterMatchMissingKeyErrors(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	f, err := eval.CompileFilter(`extra.bounce_type == "hard"`)
	require.NoError(t, err)
	assert.Equal(t, `extra.bounce_type == "hard"`, f.String())

	_, err = f.Match(context.Background(), events.Submission{Event: events.New(events.TypeOpened, time.Now(), nil)})
	assert.Error(t, err)
}
