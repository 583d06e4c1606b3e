package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// BudgetService is the budget manager boundary consumed by the handlers.
type BudgetService interface {
	PickAllowed(ctx context.Context, requested string) domain.Model
	CheckAndRecord(ctx context.Context, model domain.Model, tokensIn, tokensOut int) bool
	CanUseReserve(ctx context.Context, model domain.Model, tokensIn, tokensOut int) bool
	Record(ctx context.Context, model domain.Model, tokensIn, tokensOut int)
	Headroom(ctx context.Context, model domain.Model) domain.HeadroomReport
	HeadroomAll(ctx context.Context) []domain.HeadroomReport
}

// TokenCounter estimates token counts for request sizing.
type TokenCounter interface {
	CountTokens(text, model string) int
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Budget     BudgetService
	Tokens     TokenCounter
	StoreCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, budget BudgetService, tokens TokenCounter, storeCheck func(ctx context.Context) error) *Server {
	return &Server{Cfg: cfg, Budget: budget, Tokens: tokens, StoreCheck: storeCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument)
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type pickRequest struct {
	Model string `json:"model" validate:"required"`
}

type pickResponse struct {
	Model string `json:"model"`
}

// PickModelHandler resolves a usable backend for the requested model,
// walking the downgrade cascade when the requested tier is exhausted.
func (s *Server) PickModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pickRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		model := s.Budget.PickAllowed(r.Context(), req.Model)
		writeJSON(w, http.StatusOK, pickResponse{Model: string(model)})
	}
}

type consumeRequest struct {
	Model     string `json:"model" validate:"required"`
	TokensIn  int    `json:"tokens_in" validate:"gte=0"`
	TokensOut int    `json:"tokens_out" validate:"gte=0"`
	// Reserve authorizes spending the escalation pool; only designated
	// critical call sites should set it.
	Reserve bool `json:"reserve"`
}

type consumeResponse struct {
	Model   string `json:"model"`
	Allowed bool   `json:"allowed"`
}

// ConsumeHandler atomically checks and records one request against the
// model's budget. Exhaustion is a normal response (allowed=false), not an
// error status.
func (s *Server) ConsumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req consumeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		model := domain.Model(req.Model)
		var allowed bool
		if req.Reserve {
			allowed = s.Budget.CanUseReserve(r.Context(), model, req.TokensIn, req.TokensOut)
		} else {
			allowed = s.Budget.CheckAndRecord(r.Context(), model, req.TokensIn, req.TokensOut)
		}
		writeJSON(w, http.StatusOK, consumeResponse{Model: req.Model, Allowed: allowed})
	}
}

type recordRequest struct {
	Model     string `json:"model" validate:"required"`
	TokensIn  int    `json:"tokens_in" validate:"gte=0"`
	TokensOut int    `json:"tokens_out" validate:"gte=0"`
}

// RecordHandler increments usage unconditionally. Legacy path for callers
// that gated via a prior pick; new callers should use the consume endpoint.
func (s *Server) RecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recordRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.Budget.Record(r.Context(), domain.Model(req.Model), req.TokensIn, req.TokensOut)
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

// HeadroomHandler reports remaining budget for one model.
func (s *Server) HeadroomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		if model == "" {
			writeError(w, r, fmt.Errorf("%w: model required", domain.ErrInvalidArgument), nil)
			return
		}
		report := s.Budget.Headroom(r.Context(), domain.Model(model))
		writeJSON(w, http.StatusOK, report)
	}
}

// HeadroomAllHandler reports remaining budget for every configured model.
func (s *Server) HeadroomAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"models": s.Budget.HeadroomAll(r.Context()),
		})
	}
}

type estimateRequest struct {
	Model string `json:"model" validate:"required"`
	Text  string `json:"text" validate:"required"`
}

type estimateResponse struct {
	Model  string `json:"model"`
	Tokens int    `json:"tokens"`
}

// EstimateTokensHandler sizes a prompt so callers can pass an accurate
// tokens_in to the consume endpoint.
func (s *Server) EstimateTokensHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req estimateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		tokens := s.Tokens.CountTokens(req.Text, req.Model)
		writeJSON(w, http.StatusOK, estimateResponse{Model: req.Model, Tokens: tokens})
	}
}

// ReadyzHandler reports readiness. A dead durable store is reported but
// does not fail readiness: the manager keeps enforcing budgets from its
// in-process cache.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeStatus := "ok"
		if s.StoreCheck != nil {
			if err := s.StoreCheck(r.Context()); err != nil {
				storeStatus = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
			"store":  storeStatus,
		})
	}
}
