// Package domain holds the core types of the budget manager: model
// identities, per-model limits, mutable usage counters, and the ports
// implemented by adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnknownModel     = errors.New("unknown model")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternal         = errors.New("internal error")
)

// Model identifies one of the configured LLM backends. The set of valid
// values is closed and comes from the model catalog loaded at startup;
// anything outside that set is treated as unknown and denied.
type Model string

// ModelUnknown is the explicit out-of-catalog variant.
const ModelUnknown Model = ""

// Default free-tier backends, most to least capable. The catalog may
// override both the set and the order.
const (
	ModelGeminiPro       Model = "gemini-2.5-pro"
	ModelGeminiFlash     Model = "gemini-2.5-flash"
	ModelGeminiFlashLite Model = "gemini-2.5-flash-lite"
)

// ModelLimits is the immutable free-tier budget for one model.
// A TPM of 0 means the model has no token-per-minute bound.
// ReservePool is the slice of RPD held back for escalation call sites;
// it must be strictly smaller than RPD.
type ModelLimits struct {
	RPM         int
	RPD         int
	TPM         int
	ReservePool int
}

// HeadroomStatus summarizes remaining budget into coarse bands.
type HeadroomStatus string

// Headroom status bands.
const (
	HeadroomOK        HeadroomStatus = "OK"
	HeadroomLow       HeadroomStatus = "Low"
	HeadroomExhausted HeadroomStatus = "Exhausted"
)

// HeadroomReport is the read-only budget summary for one model.
type HeadroomReport struct {
	Model           Model          `json:"model"`
	Status          HeadroomStatus `json:"status"`
	RPMUsed         int            `json:"rpm_used"`
	RPMLimit        int            `json:"rpm_limit"`
	RPDUsed         int            `json:"rpd_used"`
	RPDLimit        int            `json:"rpd_limit"`
	RPDReserve      int            `json:"rpd_reserve"`
	HeadroomPercent float64        `json:"headroom_percent"`
	ResetHours      float64        `json:"reset_hours"`
}

// UsageStore is the port for the durable per-model counter store.
// Implementations return found=false when no record exists for the model;
// an error indicates the backing store is unreachable, not a missing key.
type UsageStore interface {
	Get(ctx context.Context, model Model) (usage ModelUsage, found bool, err error)
	Put(ctx context.Context, model Model, usage ModelUsage) error
	Ping(ctx context.Context) error
	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
