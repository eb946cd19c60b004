package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/internal/logger"
	"mailtrail/pkg/cel"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/logging"
	"mailtrail/pkg/metrics"
)

const defaultMaxBodyBytes = 1 << 20

// OutcomeFiltered is reported for events dropped by the ingest filter.
const OutcomeFiltered = "filtered"

type Options struct {
	Location     *time.Location
	MaxBodyBytes int64
	Filter       *cel.Filter
}

// OptionsFromConfig compiles the configured filter expression, if any.
func OptionsFromConfig(cfg config.WebhookConfig, loc *time.Location) (Options, error) {
	opts := Options{Location: loc, MaxBodyBytes: cfg.MaxBodyBytes}
	if cfg.FilterExpr == "" {
		return opts, nil
	}

	eval, err := cel.NewEvaluator()
	if err != nil {
		return opts, err
	}
	filter, err := eval.CompileFilter(cfg.FilterExpr)
	if err != nil {
		return opts, fmt.Errorf("invalid webhook filter: %w", err)
	}
	opts.Filter = filter
	return opts, nil
}

// Handler receives Brevo transactional webhooks and hands the normalized
// event to a Sink.
type Handler struct {
	sink   Sink
	opts   Options
	logger logger.Logger
}

func NewHandler(sink Sink, opts Options, log logger.Logger) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{sink: sink, opts: opts, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/brevo", h.HandleBrevo)
}

// HandleBrevo godoc
// @Summary      Receive a Brevo webhook
// @Description  Normalizes one transactional webhook event and records it in the ledger
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      422  {object}  errors.ErrorResponse
// @Router       /webhooks/brevo [post]
func (h *Handler) HandleBrevo(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(c, "too_large", http.StatusRequestEntityTooLarge, pkgerrors.ErrValidation.WithDetail("message", "payload too large"))
			return
		}
		h.reject(c, "unreadable", http.StatusBadRequest, pkgerrors.ErrValidation.WithCause(err))
		return
	}

	sub, err := events.ParseBrevoWebhook(body, h.opts.Location)
	if err == nil {
		sub.Source = constants.SourceWebhook
		err = sub.Validate()
	}
	if err != nil {
		h.logger.WarnwCtx(ctx, "Rejected webhook payload", "error", err)
		h.reject(c, "invalid", pkgerrors.ToHTTPStatus(err), err)
		return
	}

	ctx = logging.WithMessageID(ctx, sub.ExternalID)

	if h.opts.Filter != nil {
		keep, err := h.opts.Filter.Match(ctx, sub)
		if err != nil {
			h.logger.WarnwCtx(ctx, "Webhook filter failed, accepting event", "filter", h.opts.Filter.String(), "error", err)
		} else if !keep {
			metrics.IncWebhookRequest(OutcomeFiltered)
			c.JSON(http.StatusOK, gin.H{"outcome": OutcomeFiltered})
			return
		}
	}

	outcome, err := h.sink.Accept(ctx, sub)
	if err != nil {
		h.logger.WarnwCtx(ctx, "Webhook event not recorded",
			"type", sub.Event.Type,
			"error", err,
		)
		h.reject(c, "error", pkgerrors.ToHTTPStatus(err), err)
		return
	}

	metrics.IncWebhookRequest(outcome)
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "external_id": sub.ExternalID})
}

func (h *Handler) reject(c *gin.Context, result string, status int, err error) {
	metrics.IncWebhookRequest(result)
	resp := pkgerrors.ToErrorResponse(err)
	if pkgerrors.IsRetryable(err) {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, resp)
}
