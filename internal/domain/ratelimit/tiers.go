package ratelimit

import (
	"sort"
	"time"

	"github.com/iaiaz/mifa-credits/internal/config"
)

// Tier is a rate-limit bucket grouping models by cost/popularity.
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Table is the static model -> tier mapping. Unknown models fall back to the
// default tier.
type Table struct {
	tiers  map[string]Tier
	models map[string]string
	def    string
}

// DefaultTable covers deployments without a ratelimit config section.
func DefaultTable() *Table {
	return &Table{
		tiers: map[string]Tier{
			"standard": {Name: "standard", Limit: 30, Window: time.Minute},
			"premium":  {Name: "premium", Limit: 10, Window: time.Minute},
			"image":    {Name: "image", Limit: 5, Window: 5 * time.Minute},
		},
		models: map[string]string{},
		def:    "standard",
	}
}

func NewTable(cfg config.Config) *Table {
	if len(cfg.RateLimit.Tiers) == 0 {
		return DefaultTable()
	}
	t := &Table{
		tiers:  make(map[string]Tier, len(cfg.RateLimit.Tiers)),
		models: cfg.RateLimit.Models,
		def:    cfg.RateLimit.Default,
	}
	for name, tc := range cfg.RateLimit.Tiers {
		t.tiers[name] = Tier{Name: name, Limit: tc.Limit, Window: time.Duration(tc.WindowSeconds) * time.Second}
	}
	if t.models == nil {
		t.models = map[string]string{}
	}
	if _, ok := t.tiers[t.def]; !ok {
		// Pick a stable fallback when the configured default is missing.
		names := make([]string, 0, len(t.tiers))
		for n := range t.tiers {
			names = append(names, n)
		}
		sort.Strings(names)
		t.def = names[0]
	}
	return t
}

func (t *Table) TierFor(model string) Tier {
	if name, ok := t.models[model]; ok {
		if tier, ok := t.tiers[name]; ok {
			return tier
		}
	}
	return t.tiers[t.def]
}

// All returns every known tier in stable order, for the status probe.
func (t *Table) All() []Tier {
	names := make([]string, 0, len(t.tiers))
	for n := range t.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Tier, 0, len(names))
	for _, n := range names {
		out = append(out, t.tiers[n])
	}
	return out
}
