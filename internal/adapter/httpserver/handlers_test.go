package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/llm-budget-manager/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// fakeBudget is a scriptable BudgetService.
type fakeBudget struct {
	pickResult    domain.Model
	consumeResult bool
	reserveResult bool
	recorded      []domain.Model
	report        domain.HeadroomReport
	reports       []domain.HeadroomReport

	lastReserve bool
}

func (f *fakeBudget) PickAllowed(_ context.Context, _ string) domain.Model { return f.pickResult }

func (f *fakeBudget) CheckAndRecord(_ context.Context, model domain.Model, _, _ int) bool {
	f.lastReserve = false
	return f.consumeResult
}

func (f *fakeBudget) CanUseReserve(_ context.Context, model domain.Model, _, _ int) bool {
	f.lastReserve = true
	return f.reserveResult
}

func (f *fakeBudget) Record(_ context.Context, model domain.Model, _, _ int) {
	f.recorded = append(f.recorded, model)
}

func (f *fakeBudget) Headroom(_ context.Context, _ domain.Model) domain.HeadroomReport {
	return f.report
}

func (f *fakeBudget) HeadroomAll(_ context.Context) []domain.HeadroomReport { return f.reports }

type fakeCounter struct{ tokens int }

func (f fakeCounter) CountTokens(_, _ string) int { return f.tokens }

func newTestServer(budget *fakeBudget) *httpserver.Server {
	return httpserver.NewServer(config.Config{}, budget, fakeCounter{tokens: 7}, nil)
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestPickModelHandler(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{pickResult: "gemini-2.5-flash"}
	srv := newTestServer(budget)

	rec := postJSON(t, srv.PickModelHandler(), `{"model":"gemini-2.5-pro"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Model string `json:"model"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
}

func TestPickModelHandler_MissingModel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeBudget{})

	rec := postJSON(t, srv.PickModelHandler(), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumeHandler_Allowed(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{consumeResult: true}
	srv := newTestServer(budget)

	rec := postJSON(t, srv.ConsumeHandler(), `{"model":"gemini-2.5-pro","tokens_in":100,"tokens_out":50}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Model   string `json:"model"`
		Allowed bool   `json:"allowed"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.False(t, budget.lastReserve)
}

func TestConsumeHandler_ExhaustionIsNotAnError(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{consumeResult: false}
	srv := newTestServer(budget)

	rec := postJSON(t, srv.ConsumeHandler(), `{"model":"gemini-2.5-pro"}`)

	require.Equal(t, http.StatusOK, rec.Code, "a denied budget is a normal outcome")
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Allowed)
}

func TestConsumeHandler_ReserveFlagRoutesToReservePath(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{reserveResult: true}
	srv := newTestServer(budget)

	rec := postJSON(t, srv.ConsumeHandler(), `{"model":"gemini-2.5-pro","reserve":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, budget.lastReserve)
}

func TestConsumeHandler_RejectsNegativeTokens(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeBudget{})

	rec := postJSON(t, srv.ConsumeHandler(), `{"model":"gemini-2.5-pro","tokens_in":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumeHandler_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeBudget{})

	rec := postJSON(t, srv.ConsumeHandler(), `{"model":"gemini-2.5-pro","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumeHandler_RejectsWrongContentType(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeBudget{})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.ConsumeHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordHandler(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{}
	srv := newTestServer(budget)

	rec := postJSON(t, srv.RecordHandler(), `{"model":"gemini-2.5-pro","tokens_in":10,"tokens_out":5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.Model{"gemini-2.5-pro"}, budget.recorded)
}

func TestHeadroomHandler(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{report: domain.HeadroomReport{
		Model:           "gemini-2.5-pro",
		Status:          domain.HeadroomLow,
		HeadroomPercent: 25,
	}}
	srv := newTestServer(budget)

	r := chi.NewRouter()
	r.Get("/v1/headroom/{model}", srv.HeadroomHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/headroom/gemini-2.5-pro", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.HeadroomReport
	decodeBody(t, rec, &resp)
	assert.Equal(t, domain.HeadroomLow, resp.Status)
	assert.InDelta(t, 25.0, resp.HeadroomPercent, 0.001)
}

func TestHeadroomAllHandler(t *testing.T) {
	t.Parallel()

	budget := &fakeBudget{reports: []domain.HeadroomReport{
		{Model: "gemini-2.5-pro"},
		{Model: "gemini-2.5-flash"},
	}}
	srv := newTestServer(budget)

	req := httptest.NewRequest(http.MethodGet, "/v1/headroom", nil)
	rec := httptest.NewRecorder()
	srv.HeadroomAllHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Models []domain.HeadroomReport `json:"models"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, domain.Model("gemini-2.5-pro"), resp.Models[0].Model)
}

func TestEstimateTokensHandler(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeBudget{})

	rec := postJSON(t, srv.EstimateTokensHandler(), `{"model":"gemini-2.5-pro","text":"hello world"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tokens int `json:"tokens"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 7, resp.Tokens)
}

func TestReadyzHandler_StoreStates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(ctx context.Context) error
		want  string
	}{
		{"healthy store", func(context.Context) error { return nil }, "ok"},
		{"dead store", func(context.Context) error { return errors.New("down") }, "degraded"},
		{"no store check", nil, "ok"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httpserver.NewServer(config.Config{}, &fakeBudget{}, fakeCounter{}, tc.check)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			rec := httptest.NewRecorder()
			srv.ReadyzHandler().ServeHTTP(rec, req)

			// Degradation is reported but never fails readiness.
			require.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]string
			decodeBody(t, rec, &resp)
			assert.Equal(t, "ready", resp["status"])
			assert.Equal(t, tc.want, resp["store"])
		})
	}
}
