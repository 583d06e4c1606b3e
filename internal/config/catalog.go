package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-budget-manager/internal/domain"
)

// ModelCatalog is the closed set of known models: their immutable limits,
// the downgrade hierarchy (most to least capable), and the default model
// substituted when a caller requests something outside the catalog.
type ModelCatalog struct {
	Limits    map[domain.Model]domain.ModelLimits
	Hierarchy []domain.Model
	Default   domain.Model
}

// catalogFile is the YAML layout of an external model limits file.
type catalogFile struct {
	Models    map[string]modelLimitsSpec `yaml:"models" validate:"required,min=1,dive"`
	Hierarchy []string                   `yaml:"hierarchy" validate:"required,min=1"`
	Default   string                     `yaml:"default" validate:"required"`
}

type modelLimitsSpec struct {
	RPM         int `yaml:"rpm" validate:"gt=0"`
	RPD         int `yaml:"rpd" validate:"gt=0"`
	TPM         int `yaml:"tpm" validate:"gte=0"`
	ReservePool int `yaml:"reserve_pool" validate:"gte=0"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// DefaultCatalog returns the compiled-in catalog matching the published
// Gemini free-tier limits.
func DefaultCatalog() ModelCatalog {
	return ModelCatalog{
		Limits: map[domain.Model]domain.ModelLimits{
			domain.ModelGeminiPro:       {RPM: 5, RPD: 100, TPM: 250000, ReservePool: 20},
			domain.ModelGeminiFlash:     {RPM: 10, RPD: 250, TPM: 250000, ReservePool: 50},
			domain.ModelGeminiFlashLite: {RPM: 15, RPD: 1000, TPM: 250000, ReservePool: 100},
		},
		Hierarchy: []domain.Model{
			domain.ModelGeminiPro,
			domain.ModelGeminiFlash,
			domain.ModelGeminiFlashLite,
		},
		Default: domain.ModelGeminiFlash,
	}
}

// LoadCatalog returns the default catalog, or the one parsed from the YAML
// file at path when path is non-empty. The result is always validated.
func LoadCatalog(path string) (ModelCatalog, error) {
	if path == "" {
		cat := DefaultCatalog()
		if err := cat.Validate(); err != nil {
			return ModelCatalog{}, err
		}
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ModelCatalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ModelCatalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}
	if err := getValidator().Struct(file); err != nil {
		return ModelCatalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}

	cat := ModelCatalog{
		Limits:    make(map[domain.Model]domain.ModelLimits, len(file.Models)),
		Hierarchy: make([]domain.Model, 0, len(file.Hierarchy)),
		Default:   domain.Model(file.Default),
	}
	for name, spec := range file.Models {
		cat.Limits[domain.Model(name)] = domain.ModelLimits{
			RPM:         spec.RPM,
			RPD:         spec.RPD,
			TPM:         spec.TPM,
			ReservePool: spec.ReservePool,
		}
	}
	for _, name := range file.Hierarchy {
		cat.Hierarchy = append(cat.Hierarchy, domain.Model(name))
	}
	if err := cat.Validate(); err != nil {
		return ModelCatalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}
	return cat, nil
}

// Validate checks the catalog invariants that the struct tags cannot
// express: every hierarchy entry and the default must be configured models,
// every configured model must appear in the hierarchy exactly once, and
// each reserve pool must leave at least one non-reserve daily request.
func (c ModelCatalog) Validate() error {
	if len(c.Limits) == 0 {
		return fmt.Errorf("%w: catalog has no models", domain.ErrInvalidArgument)
	}
	if len(c.Hierarchy) != len(c.Limits) {
		return fmt.Errorf("%w: hierarchy lists %d models, catalog has %d",
			domain.ErrInvalidArgument, len(c.Hierarchy), len(c.Limits))
	}
	seen := make(map[domain.Model]bool, len(c.Hierarchy))
	for _, m := range c.Hierarchy {
		if _, ok := c.Limits[m]; !ok {
			return fmt.Errorf("%w: hierarchy entry %q has no limits", domain.ErrUnknownModel, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: hierarchy entry %q duplicated", domain.ErrInvalidArgument, m)
		}
		seen[m] = true
	}
	if _, ok := c.Limits[c.Default]; !ok {
		return fmt.Errorf("%w: default model %q has no limits", domain.ErrUnknownModel, c.Default)
	}
	for m, lim := range c.Limits {
		if lim.ReservePool >= lim.RPD {
			return fmt.Errorf("%w: model %q reserve pool %d must be below rpd %d",
				domain.ErrInvalidArgument, m, lim.ReservePool, lim.RPD)
		}
	}
	return nil
}

// Lookup returns the limits for model. The second return is false for
// anything outside the catalog.
func (c ModelCatalog) Lookup(model domain.Model) (domain.ModelLimits, bool) {
	lim, ok := c.Limits[model]
	return lim, ok
}

// Position returns the hierarchy index of model, or -1 when unknown.
func (c ModelCatalog) Position(model domain.Model) int {
	for i, m := range c.Hierarchy {
		if m == model {
			return i
		}
	}
	return -1
}

// Lowest returns the least capable tier, the terminal fallback of the
// downgrade cascade.
func (c ModelCatalog) Lowest() domain.Model {
	return c.Hierarchy[len(c.Hierarchy)-1]
}
