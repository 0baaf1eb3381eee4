package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"upscaler/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	err error
}

func (s stubRunner) RunPass(_ context.Context, _ domain.Invocation) error {
	return s.err
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", err: nil, want: "ok"},
		{name: "domain kind", err: domain.NewError(domain.KindInvocationTimedOut, domain.StagePass, "x", nil), want: "invocation_timed_out"},
		{name: "context", err: context.Canceled, want: "canceled"},
		{name: "plain", err: errors.New("boom"), want: "internal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Outcome(tc.err))
		})
	}
}

func TestInstrumentedRunner(t *testing.T) {
	m := New()
	inv := domain.Invocation{Model: domain.ModelFast, Scale: 4}

	ok := NewInstrumentedRunner(stubRunner{}, m)
	require.NoError(t, ok.RunPass(context.Background(), inv))
	require.NoError(t, ok.RunPass(context.Background(), inv))

	failErr := domain.NewError(domain.KindInvocationFailed, domain.StagePass, "upscaling failed: CUDA error", nil)
	failing := NewInstrumentedRunner(stubRunner{err: failErr}, m)
	assert.ErrorIs(t, failing.RunPass(context.Background(), inv), domain.ErrInvocationFailed)

	assert.InDelta(t, 2, testutil.ToFloat64(m.passes.WithLabelValues("realesrnet-x4plus", "4", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.passes.WithLabelValues("realesrnet-x4plus", "4", "invocation_failed")), 0)
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("http", nil)
	m.ObserveRequest("telegram", domain.ErrUnsupportedScale)

	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues("http", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues("telegram", "unsupported_scale")), 0)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("/health", "GET", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", "GET", "404")), 0)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, `upscaler_http_requests_total{code="200",method="GET",route="/health"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
