package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iaiaz/mifa-credits/internal/config"
)

func testBook() *Book {
	var cfg config.Config
	cfg.Pricing.Models = map[string]config.ModelPrice{
		"gpt-4o": {Prompt: 0.0025, Completion: 0.01},
	}
	cfg.Pricing.Default = config.ModelPrice{Prompt: 0.001, Completion: 0.002}
	return NewBook(cfg)
}

func TestCost(t *testing.T) {
	b := testBook()

	// 2000 prompt + 1000 completion tokens on gpt-4o:
	// 2*0.0025 + 1*0.01 = 0.015 EUR
	assert.Equal(t, 0.015, b.Cost("gpt-4o", 2000, 1000))

	// Unknown models price at the default tier.
	assert.Equal(t, 0.004, b.Cost("mystery-model", 2000, 1000))

	// Zero tokens cost nothing.
	assert.Equal(t, 0.0, b.Cost("gpt-4o", 0, 0))
}

func TestCostRounding(t *testing.T) {
	b := testBook()
	// 7 prompt tokens: 0.007*0.0025 = 0.0000175, rounded to 6 decimals.
	assert.Equal(t, 0.000018, b.Cost("gpt-4o", 7, 0))
}

func TestDefaultBook(t *testing.T) {
	var empty config.Config
	b := NewBook(empty)
	assert.Greater(t, b.Cost("gpt-4o", 1000, 1000), 0.0)
}
