package usage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/evalgate/internal/model"
)

// PricingSource looks up the price of a model.
type PricingSource interface {
	ModelPricing(ctx context.Context, modelID string) (*model.ModelPricing, error)
}

// PricingCache memoizes a PricingSource. Concurrent misses for the same
// model share one lookup; failures are not cached.
type PricingCache struct {
	src   PricingSource
	group singleflight.Group

	mu     sync.RWMutex
	prices map[string]*model.ModelPricing
}

func NewPricingCache(src PricingSource) *PricingCache {
	return &PricingCache{src: src, prices: make(map[string]*model.ModelPricing)}
}

func (c *PricingCache) cached(modelID string) (*model.ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[modelID]
	return p, ok
}

// ModelPricing implements PricingSource.
func (c *PricingCache) ModelPricing(ctx context.Context, modelID string) (*model.ModelPricing, error) {
	if p, ok := c.cached(modelID); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(modelID, func() (any, error) {
		// A previous flight may have filled the cache after our check.
		if p, ok := c.cached(modelID); ok {
			return p, nil
		}
		p, err := c.src.ModelPricing(ctx, modelID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.prices[modelID] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ModelPricing), nil
}

// Cost is the dollar cost of a call. Negative counts are treated as zero,
// so the result never decreases as either count grows and is 0 for no
// tokens.
func Cost(p *model.ModelPricing, inputTokens, outputTokens int) float64 {
	if p == nil {
		return 0
	}
	in := float64(max(inputTokens, 0))
	out := float64(max(outputTokens, 0))
	return in*p.InputCostPerMillionTokens/1_000_000 + out*p.OutputCostPerMillionTokens/1_000_000
}
