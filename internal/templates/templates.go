package templates

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/ppiankov/thesiswatch/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSector is returned when no template is registered for a key
var ErrUnknownSector = errors.New("unknown sector")

// GeneralSector is the fallback template key for theses without a sector
const GeneralSector = "general"

// KPIDefinition declares one KPI tracked for a sector
type KPIDefinition struct {
	ID             string          `yaml:"id" json:"id"`
	Label          string          `yaml:"label" json:"label"`
	Unit           string          `yaml:"unit" json:"unit"` // "%", "$", "x", "days", "months"
	Description    string          `yaml:"description" json:"description"`
	AlertAbove     *float64        `yaml:"alert_above,omitempty" json:"alert_above,omitempty"`
	AlertBelow     *float64        `yaml:"alert_below,omitempty" json:"alert_below,omitempty"`
	AlertDirection string          `yaml:"alert_direction,omitempty" json:"alert_direction,omitempty"` // declining_yoy, declining_qoq, context_dependent
	Family         model.KPIFamily `yaml:"family" json:"family"`
}

// Adjustment is an accounting adjustment applied when reading the sector
type Adjustment struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Computation string `yaml:"computation" json:"computation"`
}

// KillTemplate is a default kill criterion offered at compile time
type KillTemplate struct {
	Description string  `yaml:"description" json:"description"`
	Metric      string  `yaml:"metric" json:"metric"`
	Operator    string  `yaml:"operator" json:"operator"`
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	Duration    string  `yaml:"duration" json:"duration"`
}

// SectorTemplate is the read-only definition of what to compute for a sector
type SectorTemplate struct {
	Sector         string                `yaml:"sector" json:"sector"`
	DisplayName    string                `yaml:"display_name" json:"display_name"`
	KPIs           []KPIDefinition       `yaml:"kpis" json:"kpis"`
	Adjustments    []Adjustment          `yaml:"adjustments" json:"adjustments"`
	KillCriteria   []KillTemplate        `yaml:"kill_criteria" json:"kill_criteria"`
	Valuation      model.ValuationMethod `yaml:"valuation" json:"valuation"`
	ValuationNotes string                `yaml:"valuation_notes" json:"valuation_notes"`
	IncludeScores  []string              `yaml:"include_scores" json:"include_scores"`
	ExcludeScores  map[string]string     `yaml:"exclude_scores" json:"exclude_scores"` // score -> reason
}

// KPI returns the definition of a KPI id
func (t SectorTemplate) KPI(id string) (KPIDefinition, bool) {
	for _, k := range t.KPIs {
		if k.ID == id {
			return k, true
		}
	}
	return KPIDefinition{}, false
}

// KPIIDs lists the KPI ids in declaration order
func (t SectorTemplate) KPIIDs() []string {
	ids := make([]string, len(t.KPIs))
	for i, k := range t.KPIs {
		ids[i] = k.ID
	}
	return ids
}

// Excluded returns the excluded scores in a stable order, each with its reason
func (t SectorTemplate) Excluded() []model.ExcludedScore {
	names := make([]string, 0, len(t.ExcludeScores))
	for name := range t.ExcludeScores {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.ExcludedScore, 0, len(names))
	for _, name := range names {
		out = append(out, model.ExcludedScore{Name: name, Reason: t.ExcludeScores[name]})
	}
	return out
}

// Validate checks that the template is complete
func (t SectorTemplate) Validate() error {
	if t.Sector == "" {
		return errors.New("template has no sector key")
	}
	if !t.Valuation.Valid() {
		return fmt.Errorf("template %s: unknown valuation method %q", t.Sector, t.Valuation)
	}
	if len(t.KPIs) == 0 {
		return fmt.Errorf("template %s: no KPIs", t.Sector)
	}
	seen := make(map[string]bool)
	for _, k := range t.KPIs {
		if k.ID == "" {
			return fmt.Errorf("template %s: KPI without id", t.Sector)
		}
		if seen[k.ID] {
			return fmt.Errorf("template %s: duplicate KPI %s", t.Sector, k.ID)
		}
		seen[k.ID] = true
	}
	for name, reason := range t.ExcludeScores {
		if reason == "" {
			return fmt.Errorf("template %s: excluded score %s has no reason", t.Sector, name)
		}
	}
	for _, kc := range t.KillCriteria {
		if kc.Metric == "" || kc.Operator == "" || kc.Duration == "" {
			return fmt.Errorf("template %s: incomplete kill criterion %q", t.Sector, kc.Description)
		}
	}
	return nil
}

func (t SectorTemplate) clone() SectorTemplate {
	out := t
	out.KPIs = make([]KPIDefinition, len(t.KPIs))
	for i, k := range t.KPIs {
		out.KPIs[i] = k
		if k.AlertAbove != nil {
			v := *k.AlertAbove
			out.KPIs[i].AlertAbove = &v
		}
		if k.AlertBelow != nil {
			v := *k.AlertBelow
			out.KPIs[i].AlertBelow = &v
		}
	}
	out.Adjustments = append([]Adjustment(nil), t.Adjustments...)
	out.KillCriteria = append([]KillTemplate(nil), t.KillCriteria...)
	out.IncludeScores = append([]string(nil), t.IncludeScores...)
	out.ExcludeScores = make(map[string]string, len(t.ExcludeScores))
	for k, v := range t.ExcludeScores {
		out.ExcludeScores[k] = v
	}
	return out
}

// Registry is an immutable set of templates; Reload swaps the whole set at once
type Registry struct {
	current atomic.Pointer[map[string]SectorTemplate]
}

// NewRegistry builds a registry from the given templates
func NewRegistry(list ...SectorTemplate) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(list...); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates list and atomically replaces the registered templates.
// Readers see either the old set or the new set, never a mix.
func (r *Registry) Reload(list ...SectorTemplate) error {
	next := make(map[string]SectorTemplate, len(list))
	for _, t := range list {
		if err := t.Validate(); err != nil {
			return err
		}
		next[t.Sector] = t.clone()
	}
	r.current.Store(&next)
	return nil
}

// Lookup returns a copy of the template for sector
func (r *Registry) Lookup(sector string) (SectorTemplate, error) {
	m := r.current.Load()
	if m == nil {
		return SectorTemplate{}, fmt.Errorf("%w: %s", ErrUnknownSector, sector)
	}
	t, ok := (*m)[sector]
	if !ok {
		return SectorTemplate{}, fmt.Errorf("%w: %s", ErrUnknownSector, sector)
	}
	return t.clone(), nil
}

// Resolve looks up sector, falling back to the general template when sector is empty
func (r *Registry) Resolve(sector string) (SectorTemplate, error) {
	if sector == "" {
		sector = GeneralSector
	}
	return r.Lookup(sector)
}

// Sectors lists registered sector keys in sorted order
func (r *Registry) Sectors() []string {
	m := r.current.Load()
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(*m))
	for k := range *m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// File is the on-disk layout of template overrides
type File struct {
	Templates []SectorTemplate `yaml:"templates"`
}

// LoadFile decodes template overrides from a YAML file
func LoadFile(path string) ([]SectorTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	for _, t := range f.Templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Templates, nil
}

// Merge overlays overrides onto base by sector key
func Merge(base, overrides []SectorTemplate) []SectorTemplate {
	index := make(map[string]int, len(base))
	out := append([]SectorTemplate(nil), base...)
	for i, t := range out {
		index[t.Sector] = i
	}
	for _, t := range overrides {
		if i, ok := index[t.Sector]; ok {
			out[i] = t
			continue
		}
		index[t.Sector] = len(out)
		out = append(out, t)
	}
	return out
}

var defaultRegistry = mustBuiltin()

func mustBuiltin() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the process-wide registry, initialized with the built-in templates
func Default() *Registry {
	return defaultRegistry
}
