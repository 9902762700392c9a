package config

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Plan describes the entitlements of a subscription tier.
type Plan struct {
	Name             string   `mapstructure:"name"`
	QueryLimit       int64    `mapstructure:"queryLimit"`
	AllowedProviders []string `mapstructure:"allowedProviders"`
	TrialDays        int      `mapstructure:"trialDays"`
}

// PlanCatalog maps plan names to their entitlements.
type PlanCatalog struct {
	Plans []Plan `mapstructure:"plans"`
}

// Lookup returns the plan by name (case-insensitive).
func (c PlanCatalog) Lookup(name string) (Plan, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, plan := range c.Plans {
		if strings.ToLower(plan.Name) == name {
			return plan, true
		}
	}
	return Plan{}, false
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []Plan{
			{Name: "free", QueryLimit: 10, AllowedProviders: []string{"openai"}, TrialDays: 7},
			{Name: "starter", QueryLimit: 100, AllowedProviders: []string{"openai", "anthropic"}, TrialDays: 7},
			{Name: "growth", QueryLimit: 1000, AllowedProviders: []string{"openai", "anthropic", "gemini"}, TrialDays: 14},
			{Name: "unlimited", QueryLimit: 1 << 31, AllowedProviders: []string{"openai", "anthropic", "gemini"}, TrialDays: 14},
		},
	}
}

// PlanCatalogHolder serves the current plan catalog and hot-reloads it when
// the config file changes.
type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

func NewPlanCatalogHolder(log *zap.Logger) (*PlanCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/storelift/config")
	v.AddConfigPath("/etc/storelift")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STORELIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanCatalogHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPlanCatalog())
		return holder, nil
	}

	catalog, err := unmarshalCatalog(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.OnConfigChange(func(_ fsnotify.Event) {
		reloaded, err := unmarshalCatalog(v)
		if err != nil {
			if log != nil {
				log.Warn("plan catalog reload failed", zap.Error(err))
			}
			return
		}
		holder.current.Store(reloaded)
		if log != nil {
			log.Info("plan catalog reloaded", zap.Int("plans", len(reloaded.Plans)))
		}
	})
	v.WatchConfig()

	return holder, nil
}

// Current returns the active plan catalog.
func (h *PlanCatalogHolder) Current() PlanCatalog {
	if value, ok := h.current.Load().(PlanCatalog); ok {
		return value
	}
	return DefaultPlanCatalog()
}

func unmarshalCatalog(v *viper.Viper) (PlanCatalog, error) {
	var catalog PlanCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return PlanCatalog{}, err
	}
	if len(catalog.Plans) == 0 {
		catalog = DefaultPlanCatalog()
	}
	return catalog, nil
}
