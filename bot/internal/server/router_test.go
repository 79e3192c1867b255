package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketobot/ketobot-stack/common/middleware"
)

func okPing(context.Context) error { return nil }

func newTestRouter(deps map[string]Pinger) http.Handler {
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Request-ID", middleware.GetRequestID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	})
	return NewRouter(webhook, "webhook", deps)
}

func TestRouter_Webhook(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "req-42", rr.Header().Get("X-Seen-Request-ID"))
	assert.Equal(t, "req-42", rr.Header().Get(middleware.RequestIDHeader))
}

func TestRouter_WithoutWebhook(t *testing.T) {
	router := NewRouter(nil, "worker", nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return errors.New("down") }),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","service":"webhook"}`, rr.Body.String())
}

func TestRouter_Ready(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		router := newTestRouter(map[string]Pinger{
			"postgres": PingFunc(okPing),
			"redis":    PingFunc(okPing),
		})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ready","service":"webhook","checks":{"postgres":"ok","redis":"ok"}}`, rr.Body.String())
	})

	t.Run("one dependency down", func(t *testing.T) {
		router := newTestRouter(map[string]Pinger{
			"postgres": PingFunc(okPing),
			"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		})

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_ready", body.Status)
		assert.Equal(t, "connection refused", body.Checks["redis"])
		assert.Equal(t, "ok", body.Checks["postgres"])
	})
}

func TestRouter_Metrics(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
