package billing

import (
	"context"
	"fmt"
)

// UsageSpec describes a metered usage event before pricing.
type UsageSpec struct {
	Meter      string
	Quantity   int64
	PriceCents AmountCents
}

// PricingStrategy converts a usage event into a cost. Strategies run before
// the balance row lock is taken; the cost is fixed for the lifetime of the
// Apply call.
type PricingStrategy interface {
	Cost(ctx context.Context, usage UsageSpec) (AmountCents, error)
}

// MeteredPricing prices usage by a per-unit rate table keyed by meter name.
type MeteredPricing struct {
	ratesByMeter map[string]AmountCents
}

// NewMeteredPricing wires a rate table. Rates must be strictly positive.
func NewMeteredPricing(ratesByMeter map[string]AmountCents) (*MeteredPricing, error) {
	rates := make(map[string]AmountCents, len(ratesByMeter))
	for meter, rate := range ratesByMeter {
		if rate <= 0 {
			return nil, fmt.Errorf("%w: non-positive rate for meter %q", ErrInvalidUsageSpec, meter)
		}
		rates[meter] = rate
	}
	return &MeteredPricing{ratesByMeter: rates}, nil
}

// Cost multiplies the meter rate by the quantity.
func (pricing *MeteredPricing) Cost(_ context.Context, usage UsageSpec) (AmountCents, error) {
	if usage.Quantity <= 0 {
		return 0, fmt.Errorf("%w: non-positive quantity", ErrInvalidUsageSpec)
	}
	rate, known := pricing.ratesByMeter[usage.Meter]
	if !known {
		return 0, fmt.Errorf("%w: unknown meter %q", ErrInvalidUsageSpec, usage.Meter)
	}
	return AmountCents(usage.Quantity) * rate, nil
}

// MarketplacePricing prices marketplace orders as a flat fee plus a
// commission taken in basis points of the order price.
type MarketplacePricing struct {
	flatFeeCents         AmountCents
	commissionBasisPoint int64
}

// NewMarketplacePricing wires the fee schedule.
func NewMarketplacePricing(flatFeeCents AmountCents, commissionBasisPoints int64) (*MarketplacePricing, error) {
	if flatFeeCents < 0 {
		return nil, fmt.Errorf("%w: negative flat fee", ErrInvalidUsageSpec)
	}
	if commissionBasisPoints < 0 || commissionBasisPoints > 10000 {
		return nil, fmt.Errorf("%w: commission out of range", ErrInvalidUsageSpec)
	}
	return &MarketplacePricing{
		flatFeeCents:         flatFeeCents,
		commissionBasisPoint: commissionBasisPoints,
	}, nil
}

// Cost applies the flat fee and commission against the order price.
func (pricing *MarketplacePricing) Cost(_ context.Context, usage UsageSpec) (AmountCents, error) {
	if usage.PriceCents <= 0 {
		return 0, fmt.Errorf("%w: non-positive order price", ErrInvalidUsageSpec)
	}
	commission := AmountCents(usage.PriceCents.Int64() * pricing.commissionBasisPoint / 10000)
	total := pricing.flatFeeCents + commission
	if total <= 0 {
		return 0, fmt.Errorf("%w: zero cost", ErrInvalidUsageSpec)
	}
	return total, nil
}
