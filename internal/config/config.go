// Package config loads the fabric's tunable defaults from an optional
// config file and FABRIC_-prefixed environment variables, following the
// teacher's OrchestratorConfig/DefaultOrchestratorConfig() pattern.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/coordination-fabric/internal/coordinator"
	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/router"
)

// FabricConfig bundles every component's tunables into one struct bound
// through viper, mirroring how OrchestratorConfig bundles
// EventBus/Regime/Sizing/MonteCarlo/WalkForward tunables into one
// viper-loadable config.
type FabricConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`

	EventBus    events.Config        `mapstructure:"event_bus"`
	Soldier     fabric.SoldierConfig `mapstructure:"soldier"`
	Coordinator coordinator.Config   `mapstructure:"coordinator"`
	Router      router.Config        `mapstructure:"router"`
}

// Default returns the fabric's full set of named defaults (spec.md's
// numeric defaults, reproduced exactly) before any file/env override is
// applied.
func Default() FabricConfig {
	return FabricConfig{
		DataDir:       "./data/learning",
		RetentionDays: 365,
		Host:          "0.0.0.0",
		Port:          8080,
		EventBus:      events.DefaultConfig(),
		Soldier:       fabric.DefaultSoldierConfig(),
		Coordinator:   coordinator.DefaultConfig(),
		Router:        router.DefaultConfig(),
	}
}

// Load reads configPath (if non-empty) and FABRIC_-prefixed environment
// variables over Default(), returning the merged FabricConfig. A missing
// configPath is not an error — the defaults (optionally overridden by
// env vars alone) are used.
func Load(configPath string) (FabricConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("FABRIC")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	bindDefaults(v, cfg)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// bindDefaults registers every field's default with viper so
// AutomaticEnv/file overrides merge over (rather than replace) the
// zero-value struct on Unmarshal. viper.Unmarshal applies its built-in
// StringToTimeDurationHookFunc, so duration fields bind from either a
// config-file string ("2s") or a raw env var without extra wiring here.
func bindDefaults(v *viper.Viper, cfg FabricConfig) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("retention_days", cfg.RetentionDays)
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)

	v.SetDefault("event_bus.critical_capacity", cfg.EventBus.CriticalCapacity)
	v.SetDefault("event_bus.high_capacity", cfg.EventBus.HighCapacity)
	v.SetDefault("event_bus.normal_capacity", cfg.EventBus.NormalCapacity)
	v.SetDefault("event_bus.low_capacity", cfg.EventBus.LowCapacity)
	v.SetDefault("event_bus.enable_batching", cfg.EventBus.EnableBatching)
	v.SetDefault("event_bus.low_latency_mode", cfg.EventBus.LowLatencyMode)
	v.SetDefault("event_bus.batch_size", cfg.EventBus.BatchSize)

	v.SetDefault("soldier.local_inference_timeout", cfg.Soldier.LocalInferenceTimeout)
	v.SetDefault("soldier.cloud_timeout", cfg.Soldier.CloudTimeout)
	v.SetDefault("soldier.failure_threshold", cfg.Soldier.FailureThreshold)
	v.SetDefault("soldier.decision_cache_ttl", cfg.Soldier.DecisionCacheTTL)
	v.SetDefault("soldier.recovery_check_interval", cfg.Soldier.RecoveryCheckInterval)

	v.SetDefault("coordinator.max_concurrent_decisions", cfg.Coordinator.MaxConcurrentDecisions)
	v.SetDefault("coordinator.commander_batch_size", cfg.Coordinator.CommanderBatchSize)
	v.SetDefault("coordinator.commander_batch_timeout", cfg.Coordinator.CommanderBatchTimeout)
	v.SetDefault("coordinator.soldier_timeout", cfg.Coordinator.SoldierTimeout)
	v.SetDefault("coordinator.other_timeout", cfg.Coordinator.OtherTimeout)
	v.SetDefault("coordinator.decision_history_cap", cfg.Coordinator.DecisionHistoryCap)

	v.SetDefault("router.high_confidence_threshold", cfg.Router.HighConfidenceThreshold)
	v.SetDefault("router.low_confidence_threshold", cfg.Router.LowConfidenceThreshold)
}
