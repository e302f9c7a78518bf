package billing

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig is the money table for the engine. All amounts are USD cents.
type PricingConfig struct {
	Tiers            map[string]int64 `mapstructure:"tiers"`
	Addons           map[string]int64 `mapstructure:"addons"`
	RequestUnitCents int64            `mapstructure:"requestUnitCents"`
	RequestUnitSize  int64            `mapstructure:"requestUnitSize"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Tiers: map[string]int64{
			"starter":    900,
			"pro":        2900,
			"enterprise": 18500,
		},
		Addons: map[string]int64{
			"extra_api_keys":  100,
			"extra_seal_keys": 500,
			"extra_packages":  1000,
		},
		RequestUnitCents: 10,
		RequestUnitSize:  1000,
	}
}

// TierPrice returns the monthly price for a tier name, or false for an
// unknown tier.
func (c PricingConfig) TierPrice(tier string) (int64, bool) {
	p, ok := c.Tiers[tier]
	return p, ok
}

// AddonPrice returns the monthly unit price for an add-on name.
func (c PricingConfig) AddonPrice(addon string) (int64, bool) {
	p, ok := c.Addons[addon]
	return p, ok
}

// UsageCharge prices a request count: RequestUnitCents per RequestUnitSize
// requests, floored.
func (c PricingConfig) UsageCharge(requests int64) int64 {
	if requests <= 0 || c.RequestUnitSize <= 0 {
		return 0
	}
	return requests / c.RequestUnitSize * c.RequestUnitCents
}

type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder wraps a fixed config. Tests use it.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	h := &PricingHolder{}
	h.current.Store(cfg)
	return h
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/keyplane/config") // Volume-mounted config
	v.AddConfigPath("/etc/keyplane")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	// env hanya untuk path override (optional)
	v.SetEnvPrefix("KEYPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.tiers", defaults.Tiers)
		v.SetDefault("pricing.addons", defaults.Addons)
		v.SetDefault("pricing.requestUnitCents", defaults.RequestUnitCents)
		v.SetDefault("pricing.requestUnitSize", defaults.RequestUnitSize)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	// 🔥 HOT RELOAD
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("pricing.tiers cannot be empty")
	}
	if cfg.RequestUnitSize <= 0 {
		return errors.New("pricing.requestUnitSize must be positive")
	}
	return nil
}
