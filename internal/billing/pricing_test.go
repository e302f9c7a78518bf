package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageCharge(t *testing.T) {
	cfg := DefaultPricingConfig()

	tests := []struct {
		name     string
		requests int64
		want     int64
	}{
		{"zero", 0, 0},
		{"below one unit", 999, 0},
		{"exactly one unit", 1000, 10},
		{"floors partial units", 1999, 10},
		{"many units", 250000, 2500},
		{"negative", -5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.UsageCharge(tt.requests))
		})
	}
}

func TestTierAndAddonPrices(t *testing.T) {
	cfg := DefaultPricingConfig()

	price, ok := cfg.TierPrice("pro")
	require.True(t, ok)
	assert.Equal(t, int64(2900), price)

	_, ok = cfg.TierPrice("platinum")
	assert.False(t, ok)

	unit, ok := cfg.AddonPrice("extra_seal_keys")
	require.True(t, ok)
	assert.Equal(t, int64(500), unit)

	_, ok = cfg.AddonPrice("extra_everything")
	assert.False(t, ok)
}

func TestStaticPricingHolder(t *testing.T) {
	cfg := DefaultPricingConfig()
	cfg.Tiers["custom"] = 12345

	holder := NewStaticPricingHolder(cfg)
	got, ok := holder.Get().TierPrice("custom")
	require.True(t, ok)
	assert.Equal(t, int64(12345), got)
}

func TestValidatePricingConfig(t *testing.T) {
	assert.NoError(t, validatePricingConfig(DefaultPricingConfig()))

	assert.Error(t, validatePricingConfig(PricingConfig{
		Tiers:           map[string]int64{},
		RequestUnitSize: 1000,
	}))
	assert.Error(t, validatePricingConfig(PricingConfig{
		Tiers:           map[string]int64{"starter": 900},
		RequestUnitSize: 0,
	}))
}
