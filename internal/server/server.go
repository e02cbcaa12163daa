// Package server exposes the supervisor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
)

// Supervisor is the part of supervisor.Supervisor the handlers need.
type Supervisor interface {
	Status(ctx context.Context) tuneapi.APIExperimentStatus
	Healthcheck(ctx context.Context) (tuneapi.StatusCode, error)
	CancelActive(ctx context.Context) error
}

type Handler struct {
	supervisor Supervisor

	// Metrics is served at /metrics when set.
	Metrics *prometheus.Registry
	Log     *logrus.Entry
}

type okResponse struct {
	Status string `json:"status"`
}

var ok = okResponse{Status: "ok"}

func NewHandler(s Supervisor) *Handler {
	return &Handler{
		supervisor: s,
		Log:        logrus.WithField("component", "server"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", routeListHandler(r))
	r.Get("/status", statusHandler(h, func(ctx context.Context) (tuneapi.APIExperimentStatus, error) {
		return h.supervisor.Status(ctx), nil
	}))
	r.Get("/healthz", statusHandler(h, func(ctx context.Context) (tuneapi.StatusCode, error) {
		return h.supervisor.Healthcheck(ctx)
	}))

	work := chi.NewRouter()
	work.Post("/stop", statusHandler(h, func(ctx context.Context) (okResponse, error) {
		return ok, h.supervisor.CancelActive(ctx)
	}))
	r.Mount("/work", work)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Metrics, promhttp.HandlerOpts{}))
	}
}

func routeListHandler(router chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type routePath struct {
			Method string `json:"method"`
			Path   string `json:"path"`
		}

		var routes []routePath
		err := chi.Walk(router, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			routes = append(routes, routePath{Method: method, Path: route})
			return nil
		})

		type response struct {
			Routes []routePath `json:"routes"`
		}
		writeResponse(w, nil, response{Routes: routes}, err)
	}
}

func statusHandler[O any](h *Handler, fn func(context.Context) (O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		resp, err := fn(r.Context())
		writeResponse(w, h.Log, resp, err)
	}
}

func writeResponse[T any](w http.ResponseWriter, log *logrus.Entry, resp T, err error) {
	if err != nil {
		writeError(w, log, err)
		return
	}

	enc, err := json.Marshal(resp)
	if err != nil {
		writeError(w, log, fmt.Errorf("failed to marshal response: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(enc)
}

func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	if log == nil {
		log = logrus.WithField("component", "server")
	}
	log.WithError(err).Warn("Request failed")

	enc, _ := json.Marshal(map[string]string{"error": getDisplayError(err).Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(getErrorStatusCode(err))
	w.Write(enc)
}
