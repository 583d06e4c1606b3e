package budget

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/observability"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// PickAllowed resolves a usable backend for the requested model. A request
// outside the catalog substitutes the configured default. When the
// requested tier has budget it is returned as-is; otherwise the hierarchy
// is scanned strictly below the requested position for the first tier with
// budget. When every tier is exhausted the lowest tier is returned anyway
// as a best-effort terminal fallback — the caller must still be prepared
// for the subsequent CheckAndRecord on it to fail.
func (m *Manager) PickAllowed(ctx context.Context, requested string) domain.Model {
	model := domain.Model(requested)
	pos := m.catalog.Position(model)
	if pos < 0 {
		slog.Warn("requested model outside hierarchy; substituting default",
			slog.String("requested", requested),
			slog.String("default", string(m.catalog.Default)))
		model = m.catalog.Default
		pos = m.catalog.Position(model)
	}

	if m.Allow(ctx, model, 0) {
		return model
	}

	for _, candidate := range m.catalog.Hierarchy[pos+1:] {
		if m.Allow(ctx, candidate, 0) {
			slog.Info("model budget exhausted; downgrading",
				slog.String("from", string(model)),
				slog.String("to", string(candidate)))
			observability.RecordDowngrade(string(model), string(candidate))
			return candidate
		}
	}

	lowest := m.catalog.Lowest()
	slog.Warn("all model budgets exhausted; falling back to lowest tier",
		slog.String("requested", string(model)),
		slog.String("fallback", string(lowest)))
	observability.RecordDowngrade(string(model), string(lowest))
	return lowest
}
