package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mailtrail/internal/aggregate"
	"mailtrail/internal/constants"
	"mailtrail/internal/enrichment"
	"mailtrail/internal/events"
	"mailtrail/internal/ledger"
	"mailtrail/internal/logger"
	"mailtrail/internal/status"
	"mailtrail/pkg/errors"
)

// Ledger is the read side of the email ledger.
type Ledger interface {
	GetRecord(ctx context.Context, externalID string) (*ledger.EmailRecord, error)
	ListByGroup(ctx context.Context, groupKey string, filter *status.Status) ([]*ledger.EmailRecord, error)
	ListByStatus(ctx context.Context, s status.Status, limit int) ([]*ledger.EmailRecord, error)
	SearchEmails(ctx context.Context, q ledger.SearchQuery) ([]*ledger.EmailRecord, error)
}

type Groups interface {
	Stats(ctx context.Context, groupKey string) (aggregate.Snapshot, error)
	RangeStats(ctx context.Context, from, to time.Time) (aggregate.RangeSummary, error)
	Reconcile(ctx context.Context, groupKey string) (aggregate.ReconcileResult, error)
	ReconcileAll(ctx context.Context) ([]aggregate.ReconcileResult, error)
}

type Enqueuer interface {
	Enqueue(ref ledger.EventRef) error
	Candidate(ref ledger.EventRef) (enrichment.Candidate, bool)
}

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// Handler serves the read-only query surface plus the two maintenance
// commands.
type Handler struct {
	BaseHandler
	ledger   Ledger
	groups   Groups
	enqueuer Enqueuer
}

// NewHandler wires the API. enq may be nil when no enrichment worker runs in
// this process.
func NewHandler(l Ledger, groups Groups, enq Enqueuer, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		ledger:      l,
		groups:      groups,
		enqueuer:    enq,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		emails := v1.Group("/emails")
		{
			emails.GET("", h.ListByStatus)
			emails.GET("/search", h.SearchEmails)
			emails.GET("/:id", h.GetEmail)
		}

		groups := v1.Group("/groups")
		{
			groups.GET("/emails", h.ListByGroup)
			groups.GET("/stats", h.GroupStats)
			groups.POST("/reconcile", h.Reconcile)
		}

		v1.GET("/stats", h.DashboardStats)
		v1.POST("/enrichment/enqueue", h.EnqueueEnrichment)
	}
}

// GetEmail godoc
// @Summary      Get an email record
// @Description  Returns the record with its full event timeline
// @Tags         emails
// @Produce      json
// @Param        id   path      string  true  "Provider message id"
// @Success      200  {object}  ledger.EmailRecord
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /emails/{id} [get]
func (h *Handler) GetEmail(c *gin.Context) {
	rec, err := h.ledger.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListByStatus godoc
// @Summary      List emails by status
// @Tags         emails
// @Produce      json
// @Param        status  query     string  true   "Email status"
// @Param        limit   query     int     false  "Maximum records (default 100)"
// @Success      200     {array}   ledger.EmailRecord
// @Failure      400     {object}  errors.ErrorResponse
// @Router       /emails [get]
func (h *Handler) ListByStatus(c *gin.Context) {
	s, err := parseStatus(c.Query("status"), true)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	records, err := h.ledger.ListByStatus(c.Request.Context(), *s, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(records))
}

// SearchEmails godoc
// @Summary      Search emails by send date and recipient
// @Description  Newest first. Dates are YYYY-MM-DD (to inclusive) or RFC3339 (to exclusive); range=Nd searches the last N days. Defaults to the last 30 days.
// @Tags         emails
// @Produce      json
// @Param        from   query     string  false  "Start of the send window"
// @Param        to     query     string  false  "End of the send window"
// @Param        range  query     string  false  "Relative window such as 7d"
// @Param        q      query     string  false  "Recipient prefix"
// @Param        limit  query     int     false  "Maximum records (default 100)"
// @Success      200    {array}   ledger.EmailRecord
// @Failure      400    {object}  errors.ErrorResponse
// @Router       /emails/search [get]
func (h *Handler) SearchEmails(c *gin.Context) {
	from, to, err := parseWindow(c, true)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	records, err := h.ledger.SearchEmails(c.Request.Context(), ledger.SearchQuery{
		From:            from,
		To:              to,
		RecipientPrefix: c.Query("q"),
		Limit:           limit,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(records))
}

// DashboardStats godoc
// @Summary      Totals and rates over every group sent in a date range
// @Description  Dates are YYYY-MM-DD, both inclusive; range=Nd covers the last N days. Defaults to the last 30 days.
// @Tags         groups
// @Produce      json
// @Param        from   query     string  false  "First sent date"
// @Param        to     query     string  false  "Last sent date"
// @Param        range  query     string  false  "Relative window such as 7d"
// @Success      200    {object}  aggregate.RangeSummary
// @Failure      400    {object}  errors.ErrorResponse
// @Router       /stats [get]
func (h *Handler) DashboardStats(c *gin.Context) {
	from, to, err := parseWindow(c, false)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	summary, err := h.groups.RangeStats(c.Request.Context(), from, to)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListByGroup godoc
// @Summary      List the emails of a message group
// @Tags         groups
// @Produce      json
// @Param        group_key  query     string  true   "Group key (subject|YYYY-MM-DD)"
// @Param        status     query     string  false  "Only members with this status"
// @Success      200        {array}   ledger.EmailRecord
// @Failure      400        {object}  errors.ErrorResponse
// @Router       /groups/emails [get]
func (h *Handler) ListByGroup(c *gin.Context) {
	key, err := groupKey(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	filter, err := parseStatus(c.Query("status"), false)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	records, err := h.ledger.ListByGroup(c.Request.Context(), key, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(records))
}

// GroupStats godoc
// @Summary      Get message group counters and rates
// @Tags         groups
// @Produce      json
// @Param        group_key  query     string  true  "Group key (subject|YYYY-MM-DD)"
// @Success      200        {object}  aggregate.Snapshot
// @Failure      400        {object}  errors.ErrorResponse
// @Router       /groups/stats [get]
func (h *Handler) GroupStats(c *gin.Context) {
	key, err := groupKey(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	snap, err := h.groups.Stats(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Reconcile godoc
// @Summary      Recompute group counters from member statuses
// @Description  Reconciles one group, or every group when group_key is omitted
// @Tags         groups
// @Produce      json
// @Param        group_key  query     string  false  "Group key (subject|YYYY-MM-DD)"
// @Success      200        {array}   aggregate.ReconcileResult
// @Failure      500        {object}  errors.ErrorResponse
// @Router       /groups/reconcile [post]
func (h *Handler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.Query("group_key"))
	if key == "" {
		results, err := h.groups.ReconcileAll(ctx)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		if results == nil {
			results = []aggregate.ReconcileResult{}
		}
		c.JSON(http.StatusOK, results)
		return
	}

	result, err := h.groups.Reconcile(ctx, key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, []aggregate.ReconcileResult{result})
}

// EnqueueRequest names one bounced event to enrich.
type EnqueueRequest struct {
	ExternalID string    `json:"external_id" binding:"required"`
	Timestamp  time.Time `json:"timestamp" binding:"required"`
}

// EnqueueEnrichment godoc
// @Summary      Queue a bounced event for reason enrichment
// @Tags         enrichment
// @Accept       json
// @Produce      json
// @Param        request  body      EnqueueRequest  true  "Bounced event"
// @Success      202      {object}  enrichment.Candidate
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /enrichment/enqueue [post]
func (h *Handler) EnqueueEnrichment(c *gin.Context) {
	if h.enqueuer == nil {
		h.HandleError(c, errors.ErrServiceUnavailable.WithDetail("message", "enrichment is not enabled"))
		return
	}

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	ref := ledger.EventRef{ExternalID: req.ExternalID, Type: events.TypeBounced, Timestamp: req.Timestamp}
	if err := h.enqueuer.Enqueue(ref); err != nil {
		h.HandleError(c, err)
		return
	}

	cand, _ := h.enqueuer.Candidate(ref)
	c.JSON(http.StatusAccepted, cand)
}

func groupKey(c *gin.Context) (string, error) {
	key := strings.TrimSpace(c.Query("group_key"))
	if key == "" {
		return "", errors.ErrValidation.WithDetail("message", "group_key is required")
	}
	return key, nil
}

func parseStatus(raw string, required bool) (*status.Status, error) {
	if raw == "" {
		if required {
			return nil, errors.ErrValidation.WithDetail("message", "status is required")
		}
		return nil, nil
	}
	s, ok := status.Parse(raw)
	if !ok {
		return nil, errors.ErrValidation.WithDetail("message", "unknown status").WithDetail("status", raw)
	}
	return &s, nil
}

// parseWindow reads from, to and range. With exclusiveEnd a date-only to
// is moved to the following midnight so the whole day is covered. Missing
// bounds stay zero for the callee's defaults.
func parseWindow(c *gin.Context, exclusiveEnd bool) (from, to time.Time, err error) {
	if raw := c.Query("range"); raw != "" {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 || !strings.HasSuffix(raw, "d") {
			return from, to, errors.ErrValidation.WithDetail("message", "range must look like 7d").WithDetail("range", raw)
		}
		return time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour), to, nil
	}

	if from, _, err = parseBound(c.Query("from")); err != nil {
		return from, to, err
	}
	to, dateOnly, err := parseBound(c.Query("to"))
	if err != nil {
		return from, to, err
	}
	if exclusiveEnd && dateOnly {
		to = to.Add(24 * time.Hour)
	}
	return from, to, nil
}

func parseBound(raw string) (t time.Time, dateOnly bool, err error) {
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(events.GroupDateLayout, raw); err == nil {
		return t, true, nil
	}
	t, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errors.ErrValidation.WithDetail("message", "dates must be YYYY-MM-DD or RFC3339").WithDetail("value", raw)
	}
	return t, false, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return constants.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.ErrValidation.WithDetail("message", "limit must be a positive integer")
	}
	if n > constants.MaxLimit {
		n = constants.MaxLimit
	}
	return n, nil
}

func nonNil(records []*ledger.EmailRecord) []*ledger.EmailRecord {
	if records == nil {
		return []*ledger.EmailRecord{}
	}
	return records
}
