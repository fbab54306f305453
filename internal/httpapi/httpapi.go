// Package httpapi provides the HTTP endpoints of miro besides the webhook
// listener: a liveness check and a listing of the tracked pull requests.
package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "http_api"

const (
	IsAliveEndpoint = "/api/isAlive"
	QueueEndpoint   = "/api/queue"
	MetricsEndpoint = "/metrics"
)

type errResponse struct {
	Error string `json:"error"`
}

type Service struct {
	store   store.Store
	apiKey  string
	metrics http.Handler
	logger  *zap.Logger
}

type Option func(*Service)

// WithAPIKey requires requests to the protected endpoints to send key in
// the Authorization header.
func WithAPIKey(key string) Option {
	return func(s *Service) {
		s.apiKey = key
	}
}

// WithMetricsHandler serves h at MetricsEndpoint, behind the api key check.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Service) {
		s.metrics = h
	}
}

func NewService(s store.Store, opts ...Option) *Service {
	svc := Service{
		store:  s,
		logger: zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&svc)
	}

	return &svc
}

// RegisterHandlers registers the endpoints at r.
func (s *Service) RegisterHandlers(r chi.Router) {
	r.Get(IsAliveEndpoint, s.HandlerIsAlive)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Get(QueueEndpoint, s.HandlerQueue)

		if s.metrics != nil {
			r.Handle(MetricsEndpoint, s.metrics)
		}
	})
}

// HandlerIsAlive responds with status code 200 while the process is running.
func (s *Service) HandlerIsAlive(resp http.ResponseWriter, req *http.Request) {
	render.JSON(resp, req, map[string]string{"status": "ok"})
}

func (s *Service) apiKeyMiddleware(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}

	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("Authorization")

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.logger.Info(
				"rejecting http request, api key is missing or invalid",
				logfields.Event("http_request_unauthorized"),
				zap.String("http.path", req.URL.Path),
				zap.String("http.request_id", middleware.GetReqID(req.Context())),
			)

			render.Status(req, http.StatusUnauthorized)
			render.JSON(resp, req, &errResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(resp, req)
	})
}
