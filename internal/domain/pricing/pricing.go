// Package pricing is the provider-cost collaborator: model id and token
// counts in, decimal EUR cost out. The ledger never computes model pricing
// itself.
package pricing

import (
	"math"

	"github.com/iaiaz/mifa-credits/internal/config"
)

// Price is EUR per 1k tokens.
type Price struct {
	Prompt     float64
	Completion float64
}

type Book struct {
	models map[string]Price
	def    Price
}

// DefaultBook keeps dev deployments billable without a pricing section.
func DefaultBook() *Book {
	return &Book{
		models: map[string]Price{
			"gpt-4o":      {Prompt: 0.0023, Completion: 0.0092},
			"gpt-4o-mini": {Prompt: 0.00014, Completion: 0.00055},
		},
		def: Price{Prompt: 0.001, Completion: 0.003},
	}
}

func NewBook(cfg config.Config) *Book {
	if len(cfg.Pricing.Models) == 0 {
		return DefaultBook()
	}
	b := &Book{
		models: make(map[string]Price, len(cfg.Pricing.Models)),
		def:    Price{Prompt: cfg.Pricing.Default.Prompt, Completion: cfg.Pricing.Default.Completion},
	}
	for model, p := range cfg.Pricing.Models {
		b.models[model] = Price{Prompt: p.Prompt, Completion: p.Completion}
	}
	return b
}

// Cost returns the EUR cost for a completed call, rounded to 6 decimal
// places: per-call costs are routinely fractions of a cent.
func (b *Book) Cost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := b.models[model]
	if !ok {
		p = b.def
	}
	cost := float64(promptTokens)/1000*p.Prompt + float64(completionTokens)/1000*p.Completion
	return math.Round(cost*1e6) / 1e6
}
