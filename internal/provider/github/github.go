// Package github receives GitHub webhook HTTP requests, validates and parses
// them and passes the events to an EventHandler.
package github

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/miroerr"
	"github.com/simplesurance/miro/internal/webhook"
)

const loggerName = "github-event-provider"

type EventHandler interface {
	Handle(ctx context.Context, event any) (*webhook.Result, error)
}

// Provider is a http handler for github webhook requests.
// Events are processed synchronously, the result is sent as JSON response.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	filter        *Filter
	handler       EventHandler
}

type Option func(*Provider)

func WithPayloadSecret(secret string) Option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// WithEventFilter configures a filter, events that do not match it are
// acknowledged without being processed.
func WithEventFilter(f *Filter) Option {
	return func(p *Provider) {
		p.filter = f
	}
}

func New(handler EventHandler, opts ...Option) *Provider {
	p := Provider{
		handler: handler,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func respond(resp http.ResponseWriter, req *http.Request, status int, result *webhook.Result) {
	render.Status(req, status)
	render.JSON(resp, req, result)
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		logfields.DeliveryID(deliveryID),
		logfields.WebhookType(hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		respond(resp, req, http.StatusBadRequest, &webhook.Result{Message: err.Error()})
		return
	}

	logger.Debug(
		"received http request",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	parsed, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		respond(resp, req, http.StatusBadRequest, &webhook.Result{Message: err.Error()})
		return
	}

	// processing continues when github closes the connection,
	// merges and branch updates must not be aborted halfway
	ctx := context.WithoutCancel(req.Context())

	if p.filter != nil {
		match, err := p.filter.Match(ctx, hookType, payload)
		if err != nil {
			logger.Error(
				"evaluating event filter failed",
				logfields.Event("github_event_filter_failed"),
				zap.Stringer("filter_query", p.filter),
				zap.Error(err),
			)
			respond(resp, req, http.StatusInternalServerError, &webhook.Result{Message: err.Error()})
			return
		}

		if !match {
			logger.Debug(
				"ignoring event, it does not match the event filter",
				logfields.Event("github_event_ignored"),
			)
			respond(resp, req, http.StatusOK, &webhook.Result{Message: "event does not match the event filter"})
			return
		}
	}

	result, err := p.handler.Handle(ctx, parsed)
	if err != nil {
		if retryable, after := miroerr.IsRetryable(err); retryable {
			if !after.IsZero() {
				secs := int(math.Ceil(time.Until(after).Seconds()))
				resp.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			}

			logger.Warn(
				"processing event failed temporarily",
				logfields.Event("github_event_processing_failed"),
				zap.Error(err),
			)
			respond(resp, req, http.StatusServiceUnavailable, &webhook.Result{Message: err.Error()})
			return
		}

		logger.Error(
			"processing event failed",
			logfields.Event("github_event_processing_failed"),
			zap.Error(err),
		)
		respond(resp, req, http.StatusInternalServerError, &webhook.Result{Message: err.Error()})
		return
	}

	logger.Debug(
		"event processed",
		logfields.Event("github_event_processed"),
		zap.Bool("handled", result.Handled),
		zap.String("result", result.Message),
	)

	respond(resp, req, http.StatusOK, result)
}
