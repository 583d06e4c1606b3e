//go:build e2e
// +build e2e

// Package e2e_test exercises the budget manager through its full HTTP
// surface: router, middleware, handlers, budget service, and a Redis-backed
// usage store, with nothing stubbed below the HTTP boundary.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/llm-budget-manager/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/tokencount"
	"github.com/fairyhunter13/llm-budget-manager/internal/app"
	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
	"github.com/fairyhunter13/llm-budget-manager/internal/service/budget"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(rdb, "e2e", time.Hour, time.Second)

	cat := config.ModelCatalog{
		Limits: map[domain.Model]domain.ModelLimits{
			"gemini-2.5-pro":   {RPM: 2, RPD: 100, TPM: 250000, ReservePool: 20},
			"gemini-2.5-flash": {RPM: 10, RPD: 250, TPM: 250000, ReservePool: 50},
		},
		Hierarchy: []domain.Model{"gemini-2.5-pro", "gemini-2.5-flash"},
		Default:   "gemini-2.5-flash",
	}

	mgr, err := budget.New(cat, store, time.UTC)
	require.NoError(t, err)

	cfg := config.Config{RateLimitPerMin: 10000, CORSAllowOrigins: "*"}
	srv := httpserver.NewServer(cfg, mgr, tokencount.NewCounter(), store.Ping)

	ts := httptest.NewServer(app.BuildRouter(cfg, srv))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body, dst interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, dst interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func TestBudgetFlow(t *testing.T) {
	ts := startServer(t)

	// Size the prompt first.
	var est struct {
		Tokens int `json:"tokens"`
	}
	code := postJSON(t, ts.URL+"/v1/tokens/estimate",
		map[string]string{"model": "gemini-2.5-pro", "text": "Summarize this report."}, &est)
	require.Equal(t, http.StatusOK, code)
	require.Greater(t, est.Tokens, 0)

	// A fresh pro tier is picked as requested.
	var pick struct {
		Model string `json:"model"`
	}
	code = postJSON(t, ts.URL+"/v1/models/pick", map[string]string{"model": "gemini-2.5-pro"}, &pick)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "gemini-2.5-pro", pick.Model)

	// Spend the pro tier's rpm budget.
	var consume struct {
		Allowed bool `json:"allowed"`
	}
	for i := 0; i < 2; i++ {
		code = postJSON(t, ts.URL+"/v1/budget/consume",
			map[string]interface{}{"model": "gemini-2.5-pro", "tokens_in": est.Tokens, "tokens_out": 0}, &consume)
		require.Equal(t, http.StatusOK, code)
		require.True(t, consume.Allowed, "call %d", i+1)
	}
	code = postJSON(t, ts.URL+"/v1/budget/consume",
		map[string]interface{}{"model": "gemini-2.5-pro", "tokens_in": est.Tokens, "tokens_out": 0}, &consume)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, consume.Allowed, "rpm ceiling reached")

	// The next pick downgrades to the flash tier.
	code = postJSON(t, ts.URL+"/v1/models/pick", map[string]string{"model": "gemini-2.5-pro"}, &pick)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "gemini-2.5-flash", pick.Model)

	// Headroom reflects the spent pro budget.
	var report domain.HeadroomReport
	code = getJSON(t, ts.URL+"/v1/headroom/gemini-2.5-pro", &report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, report.RPMUsed)
	assert.Equal(t, domain.HeadroomExhausted, report.Status)

	var all struct {
		Models []domain.HeadroomReport `json:"models"`
	}
	code = getJSON(t, ts.URL+"/v1/headroom", &all)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, all.Models, 2)

	// Record on the substituted tier.
	code = postJSON(t, ts.URL+"/v1/budget/record",
		map[string]interface{}{"model": "gemini-2.5-flash", "tokens_in": est.Tokens, "tokens_out": 128}, nil)
	require.Equal(t, http.StatusOK, code)

	code = getJSON(t, ts.URL+"/v1/headroom/gemini-2.5-flash", &report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, report.RPDUsed)
}

func TestBudgetFlow_Readiness(t *testing.T) {
	ts := startServer(t)

	var ready map[string]string
	code := getJSON(t, ts.URL+"/readyz", &ready)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", ready["status"])
	assert.Equal(t, "ok", ready["store"])

	code = getJSON(t, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestBudgetFlow_UnknownModelRequests(t *testing.T) {
	ts := startServer(t)

	// An out-of-catalog pick substitutes the default tier.
	var pick struct {
		Model string `json:"model"`
	}
	code := postJSON(t, ts.URL+"/v1/models/pick", map[string]string{"model": "gpt-9000"}, &pick)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "gemini-2.5-flash", pick.Model)

	// Consuming against an unknown model fails closed.
	var consume struct {
		Allowed bool `json:"allowed"`
	}
	code = postJSON(t, ts.URL+"/v1/budget/consume", map[string]interface{}{"model": "gpt-9000"}, &consume)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, consume.Allowed)
}
