// Package budget enforces per-model free-tier request budgets across the
// configured LLM backends.
//
// A single Manager instance owns the counters for every model. All mutating
// operations (CheckAndRecord, Record, CanUseReserve) serialize on one
// coarse lock covering the whole read-modify-write cycle, so no two callers
// in the same process can jointly push a counter past its ceiling. Across
// processes the durable store is the source of truth, but the cycle is not
// a single atomic store operation; a race window between processes remains
// and a stronger design would move the increment-with-ceiling into a
// store-side script.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/observability"
	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// Manager tracks and gates per-model usage.
type Manager struct {
	catalog      config.ModelCatalog
	store        domain.UsageStore // nil when running without a durable store
	loc          *time.Location
	clock        domain.Clock
	okThreshold  float64
	lowThreshold float64

	// breaker guards durable store round trips so a dead backend stops
	// costing a timeout per request once it has failed repeatedly.
	breaker *observability.CircuitBreaker

	mu sync.RWMutex
	// fallback is the in-process cache, private to this manager. It keeps
	// every counter the manager has seen so budget gates stay enforceable
	// for the rest of the process when the durable store goes away. It is
	// eventually consistent with other processes at best.
	fallback map[domain.Model]domain.ModelUsage
	// degraded tracks store reachability so transitions log once instead
	// of on every call.
	degraded bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock substitutes the time source, for tests.
func WithClock(c domain.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithThresholds overrides the headroom status thresholds.
func WithThresholds(ok, low float64) Option {
	return func(m *Manager) {
		m.okThreshold = ok
		m.lowThreshold = low
	}
}

// New constructs a Manager for the given catalog. store may be nil, in
// which case the manager runs on the in-process cache alone from the
// start. The catalog is validated here so misconfiguration fails at
// startup rather than mid-request.
func New(catalog config.ModelCatalog, store domain.UsageStore, loc *time.Location, opts ...Option) (*Manager, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	m := &Manager{
		catalog:      catalog,
		store:        store,
		loc:          loc,
		clock:        domain.ClockFunc(time.Now),
		okThreshold:  0.5,
		lowThreshold: 0.2,
		breaker:      observability.NewCircuitBreaker("usage-store", 5, 30*time.Second),
		fallback:     make(map[domain.Model]domain.ModelUsage),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close releases the durable store client.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// CheckAndRecord atomically evaluates every gate for model and, when all
// pass, consumes one request and the given token count. It returns false
// without mutating anything when a gate fails or the model is unknown.
//
// Callers must only invoke this when they will issue the model call
// immediately afterward: an abandoned caller's increment is not rolled
// back.
func (m *Manager) CheckAndRecord(ctx context.Context, model domain.Model, tokensIn, tokensOut int) bool {
	return m.consume(ctx, model, tokensIn, tokensOut, false, "check_and_record")
}

// CanUseReserve is CheckAndRecord with the reserve pool spendable: the
// daily gate relaxes to the full RPD while the RPM and TPM gates stay
// unchanged. Reserved for designated critical-escalation call sites.
func (m *Manager) CanUseReserve(ctx context.Context, model domain.Model, tokensIn, tokensOut int) bool {
	return m.consume(ctx, model, tokensIn, tokensOut, true, "can_use_reserve")
}

func (m *Manager) consume(ctx context.Context, model domain.Model, tokensIn, tokensOut int, reserve bool, op string) bool {
	lim, ok := m.catalog.Lookup(model)
	if !ok {
		slog.Warn("budget check for unknown model denied", slog.String("model", string(model)))
		observability.RecordBudgetDecision(string(model), op, "unknown")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	usage := m.loadUsage(ctx, model)
	tokens := tokensIn + tokensOut
	if !gatesPass(lim, usage, tokens, reserve) {
		observability.RecordBudgetDecision(string(model), op, "denied")
		return false
	}

	usage.RPMUsed++
	usage.RPDUsed++
	if lim.TPM > 0 {
		usage.TPMUsed += tokens
	}
	m.saveUsage(ctx, model, usage)
	observability.RecordBudgetDecision(string(model), op, "allowed")
	return true
}

// Record increments the counters for model unconditionally, with the same
// load/reset/save cycle but no gating. It exists for call sites that
// already gated via Allow elsewhere; the Allow-then-Record pair is not
// atomic with respect to concurrent callers, so new code should use
// CheckAndRecord instead.
func (m *Manager) Record(ctx context.Context, model domain.Model, tokensIn, tokensOut int) {
	lim, ok := m.catalog.Lookup(model)
	if !ok {
		slog.Warn("usage record for unknown model dropped", slog.String("model", string(model)))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	usage := m.loadUsage(ctx, model)
	usage.RPMUsed++
	usage.RPDUsed++
	if lim.TPM > 0 {
		usage.TPMUsed += tokensIn + tokensOut
	}
	m.saveUsage(ctx, model, usage)
}

// Allow evaluates the gates for model without consuming anything. It does
// not take the write lock and may observe slightly stale counters.
func (m *Manager) Allow(ctx context.Context, model domain.Model, tokens int) bool {
	lim, ok := m.catalog.Lookup(model)
	if !ok {
		return false
	}
	usage := m.peekUsage(ctx, model)
	return gatesPass(lim, usage, tokens, false)
}

// gatesPass evaluates the three budget gates. The daily ceiling excludes
// the reserve pool unless the caller is authorized to spend it.
func gatesPass(lim domain.ModelLimits, u domain.ModelUsage, tokens int, reserve bool) bool {
	if u.RPMUsed >= lim.RPM {
		return false
	}
	daily := lim.RPD - lim.ReservePool
	if reserve {
		daily = lim.RPD
	}
	if u.RPDUsed >= daily {
		return false
	}
	if lim.TPM > 0 && u.TPMUsed+tokens > lim.TPM {
		return false
	}
	return true
}

// loadUsage returns the current record for model with all pending resets
// applied, creating it lazily on first access. Callers must hold the write
// lock. A reset applied here is persisted immediately so concurrent
// readers in other processes observe the already-reset state.
func (m *Manager) loadUsage(ctx context.Context, model domain.Model) domain.ModelUsage {
	now := m.clock.Now()
	usage, found := m.fetch(ctx, model)
	if !found {
		usage = domain.NewModelUsage(now)
	}
	if usage.ApplyResets(now, m.loc) {
		m.saveUsage(ctx, model, usage)
	}
	return usage
}

// fetch reads the record for model, durable store preferred, in-process
// cache as fallback. Store unreachability is recovered here and never
// surfaced to callers.
func (m *Manager) fetch(ctx context.Context, model domain.Model) (domain.ModelUsage, bool) {
	if m.store != nil {
		var usage domain.ModelUsage
		var found bool
		err := m.breaker.Call(func() error {
			u, f, err := m.store.Get(ctx, model)
			usage, found = u, f
			return err
		})
		if err == nil {
			m.noteStoreUp()
			observability.RecordStoreOperation("get", "ok")
			if found {
				m.fallback[model] = usage
				return usage, true
			}
			// No durable record: an unsynced in-process counter is still
			// better than restarting from zero.
			cached, ok := m.fallback[model]
			return cached, ok
		}
		m.noteStoreDown(err)
		observability.RecordStoreOperation("get", "error")
	}
	usage, ok := m.fallback[model]
	return usage, ok
}

// saveUsage upserts the record into the cache and the durable store.
// Callers must hold the write lock. A failed durable write is logged and
// counted but not retried synchronously; the in-process cache stays
// authoritative for this process and the durable copy heals on the next
// successful write. Until then other processes will not see the increment.
func (m *Manager) saveUsage(ctx context.Context, model domain.Model, usage domain.ModelUsage) {
	m.fallback[model] = usage
	if m.store == nil {
		return
	}
	err := m.breaker.Call(func() error {
		return m.store.Put(ctx, model, usage)
	})
	if err != nil {
		slog.Error("usage persist failed; in-process cache stays authoritative",
			slog.String("model", string(model)),
			slog.Any("error", err))
		observability.RecordStoreOperation("put", "error")
		m.degraded = true
		return
	}
	observability.RecordStoreOperation("put", "ok")
	m.noteStoreUp()
}

// peekUsage is the read-only counterpart of loadUsage: it never writes the
// cache or the store, applying pending resets to a local copy only.
func (m *Manager) peekUsage(ctx context.Context, model domain.Model) domain.ModelUsage {
	now := m.clock.Now()

	var usage domain.ModelUsage
	found := false
	if m.store != nil {
		_ = m.breaker.Call(func() error {
			u, ok, err := m.store.Get(ctx, model)
			if err == nil {
				usage, found = u, ok
			}
			return err
		})
	}
	if !found {
		m.mu.RLock()
		usage, found = m.fallback[model]
		m.mu.RUnlock()
	}
	if !found {
		return domain.NewModelUsage(now)
	}
	usage.ApplyResets(now, m.loc)
	return usage
}

func (m *Manager) noteStoreDown(err error) {
	if !m.degraded {
		slog.Warn("usage store unreachable; degrading to in-process cache",
			slog.Any("error", err))
	}
	m.degraded = true
}

func (m *Manager) noteStoreUp() {
	if m.degraded {
		slog.Info("usage store reachable again")
	}
	m.degraded = false
}
