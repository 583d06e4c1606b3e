package httpserver

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/observability"
)

func TestRequestID_SingleLoggerSlot(t *testing.T) {
	t.Parallel()

	var fromHelper, fromCtx *slog.Logger
	var rid string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromHelper = LoggerFrom(r)
		fromCtx = observability.LoggerFromContext(r.Context())
		rid = observability.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotNil(t, fromHelper)
	assert.Same(t, fromCtx, fromHelper,
		"both accessors must read the one logger the middleware stored")
	assert.NotEmpty(t, rid)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), rid)
}

func TestRequestID_HonorsIncomingHeader(t *testing.T) {
	t.Parallel()

	var rid string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid = observability.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", rid)
	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-Id"))
}
