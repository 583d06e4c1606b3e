package budget

import (
	"context"

	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/observability"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// Headroom reports the remaining budget for model. It is read-only: it
// never consumes quota and does not take the write lock, so the counters
// may be slightly stale. An unknown model reports an exhausted zero-value
// record.
func (m *Manager) Headroom(ctx context.Context, model domain.Model) domain.HeadroomReport {
	now := m.clock.Now()
	report := domain.HeadroomReport{
		Model:      model,
		Status:     domain.HeadroomExhausted,
		ResetHours: domain.HoursUntilDailyReset(now, m.loc),
	}

	lim, ok := m.catalog.Lookup(model)
	if !ok {
		return report
	}

	usage := m.peekUsage(ctx, model)
	report.RPMUsed = usage.RPMUsed
	report.RPMLimit = lim.RPM
	report.RPDUsed = usage.RPDUsed
	report.RPDLimit = lim.RPD
	report.RPDReserve = lim.ReservePool

	rpmFrac := fraction(lim.RPM-usage.RPMUsed, lim.RPM)
	effectiveRPD := lim.RPD - lim.ReservePool
	rpdFrac := fraction(effectiveRPD-usage.RPDUsed, effectiveRPD)

	frac := rpmFrac
	if rpdFrac < frac {
		frac = rpdFrac
	}
	report.HeadroomPercent = 100 * frac

	switch {
	case frac > m.okThreshold:
		report.Status = domain.HeadroomOK
	case frac > m.lowThreshold:
		report.Status = domain.HeadroomLow
	default:
		report.Status = domain.HeadroomExhausted
	}

	observability.SetHeadroomPercent(string(model), report.HeadroomPercent)
	return report
}

// HeadroomAll reports headroom for every model in hierarchy order.
func (m *Manager) HeadroomAll(ctx context.Context) []domain.HeadroomReport {
	reports := make([]domain.HeadroomReport, 0, len(m.catalog.Hierarchy))
	for _, model := range m.catalog.Hierarchy {
		reports = append(reports, m.Headroom(ctx, model))
	}
	return reports
}

// fraction returns remaining/limit clamped to [0, 1].
func fraction(remaining, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	if remaining <= 0 {
		return 0
	}
	f := float64(remaining) / float64(limit)
	if f > 1 {
		return 1
	}
	return f
}
