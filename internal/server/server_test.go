package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgtunebench/api/tuneapi"
)

type fakeSupervisor struct {
	status    tuneapi.APIExperimentStatus
	health    tuneapi.StatusCode
	healthErr error
	stopErr   error
	stopped   int
}

func (f *fakeSupervisor) Status(context.Context) tuneapi.APIExperimentStatus { return f.status }

func (f *fakeSupervisor) Healthcheck(context.Context) (tuneapi.StatusCode, error) {
	return f.health, f.healthErr
}

func (f *fakeSupervisor) CancelActive(context.Context) error {
	f.stopped++
	return f.stopErr
}

func newServer(t *testing.T, s Supervisor, reg *prometheus.Registry) *httptest.Server {
	t.Helper()
	h := NewHandler(s)
	h.Metrics = reg
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatus(t *testing.T) {
	sup := &fakeSupervisor{status: tuneapi.APIExperimentStatus{
		Code:     tuneapi.StatusBusy,
		ID:       "cs2q1",
		Task:     "experiment",
		Workload: tuneapi.WorkloadRWFullyCached,
	}}
	srv := newServer(t, sup, nil)

	code, body := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusOK, code)

	var status tuneapi.APIExperimentStatus
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, sup.status.Code, status.Code)
	assert.Equal(t, sup.status.Workload, status.Workload)
	assert.Equal(t, "cs2q1", status.ID)
}

func TestHealthz(t *testing.T) {
	sup := &fakeSupervisor{health: tuneapi.StatusIdle}
	srv := newServer(t, sup, nil)

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `"Idle"`, body)

	sup.health, sup.healthErr = tuneapi.StatusDisconnected, errors.New("connection refused")
	code, body = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.JSONEq(t, `{"error":"connection refused"}`, body)
}

func TestStop(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := newServer(t, sup, nil)

	resp, err := http.Post(srv.URL+"/work/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, sup.stopped)

	sup.stopErr = tuneapi.ErrorNotRunning(errors.New("no experiment is running"))
	resp, err = http.Post(srv.URL+"/work/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRouteListAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tunebench_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	srv := newServer(t, &fakeSupervisor{}, reg)

	code, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	for _, path := range []string{"/status", "/healthz", "/work/stop", "/metrics"} {
		assert.Contains(t, body, `"`+path+`"`)
	}

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "tunebench_test_total 1"), body)
}
