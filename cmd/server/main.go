// Package main is the entry point for the coordination fabric: it loads
// configuration, wires the event bus and all eight core components
// together, starts the HTTP/WebSocket operability surface, and waits
// for a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/coordination-fabric/internal/api"
	"github.com/atlas-desktop/coordination-fabric/internal/blender"
	"github.com/atlas-desktop/coordination-fabric/internal/config"
	"github.com/atlas-desktop/coordination-fabric/internal/coordinator"
	"github.com/atlas-desktop/coordination-fabric/internal/datastore"
	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/metalearner"
	"github.com/atlas-desktop/coordination-fabric/internal/metrics"
	"github.com/atlas-desktop/coordination-fabric/internal/router"
	"github.com/atlas-desktop/coordination-fabric/internal/runner"
	"github.com/atlas-desktop/coordination-fabric/internal/soldier"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/JSON config file (optional; env and defaults otherwise)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	dataDir := flag.String("data-dir", "", "Override the learning data directory")
	host := flag.String("host", "", "Override the listen host")
	port := flag.Int("port", 0, "Override the listen port")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Info("starting coordination fabric",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(logger, cfg.EventBus, fabric.NoopKVStore{})

	store, err := datastore.NewDataStore(logger, cfg.DataDir, cfg.RetentionDays)
	if err != nil {
		logger.Fatal("failed to initialize learning data store", zap.Error(err))
	}

	sol := soldier.NewSoldier(logger, cfg.Soldier, bus, &placeholderSoldierEngine{mode: "local"}, &placeholderSoldierEngine{mode: "cloud"})
	sol.Start()
	defer sol.Stop()

	metaLearner := metalearner.NewMetaLearner(logger)

	rnr, err := runner.NewRunner(logger, &placeholderArchitecture{strategy: runner.ModeConservative}, &placeholderArchitecture{strategy: runner.ModeAggressive}, runner.ModeBalanced, metaLearner)
	if err != nil {
		logger.Fatal("failed to initialize dual-architecture runner", zap.Error(err))
	}

	rtr, err := router.NewRouter(logger, metaLearner, cfg.Router)
	if err != nil {
		logger.Fatal("failed to initialize intelligent router", zap.Error(err))
	}

	blnd := blender.NewBlender(logger, defaultHybridRules())

	coord := coordinator.NewCoordinator(logger, bus, cfg.Coordinator,
		&soldierEngineAdapter{soldier: sol},
		&runnerEngineAdapter{runner: rnr, blender: blnd},
		&scholarEngineAdapter{router: rtr},
	)

	metricsReg := metrics.New()
	go metricsReg.Run(ctx, 10*time.Second, bus, coord, sol)

	go runRetentionSweep(ctx, logger, store, 24*time.Hour)

	server := api.NewServer(logger, api.ServerConfig{Host: cfg.Host, Port: cfg.Port, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}, bus, coord, sol, metricsReg)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	}()

	logger.Info("coordination fabric started",
		zap.String("http", fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	coord.Shutdown()
	bus.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}

	logger.Info("coordination fabric stopped")
}

func defaultHybridRules() []fabric.HybridRule {
	return []fabric.HybridRule{
		{
			Name:             "high_volatility_favors_architecture_a",
			Condition:        "volatility > 0.05",
			Action:           fabric.ActionIncreaseHardcodedWeight,
			WeightAdjustment: 0.2,
			Reason:           "elevated volatility favors the conservative architecture",
		},
		{
			Name:             "high_concentration_favors_architecture_a",
			Condition:        "portfolio_concentration > 0.5",
			Action:           fabric.ActionIncreaseHardcodedWeight,
			WeightAdjustment: 0.15,
			Reason:           "concentrated portfolios favor the conservative architecture",
		},
	}
}

// runRetentionSweep periodically prunes learning data past its
// retention window, mirroring the teacher's own use of a ticker-driven
// background goroutine for housekeeping (the soldier's health loop,
// the event bus's dispatch loop).
func runRetentionSweep(ctx context.Context, logger *zap.Logger, store *datastore.DataStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := store.CleanupOldData()
			if removed > 0 {
				logger.Info("pruned expired learning data files", zap.Int("removed", removed))
			}
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// placeholderSoldierEngine stands in for a real local/cloud inference
// backend (a model server, a quant signal service) that is deployment
// specific and outside this repository's scope — mirrors the teacher's
// own pattern of wiring exchange adapters as nil/pluggable at startup.
type placeholderSoldierEngine struct{ mode string }

func (p *placeholderSoldierEngine) Infer(ctx context.Context, symbol string, tick soldier.MarketTick) (soldier.InferenceResult, error) {
	action := "hold"
	if tick.Close > tick.MA20 {
		action = "buy"
	} else if tick.Close < tick.MA20 {
		action = "sell"
	}
	return soldier.InferenceResult{Action: action, Confidence: 0.5, SignalStrength: 0.5, RiskLevel: "medium"}, nil
}

// placeholderArchitecture stands in for a real strategy implementation
// (momentum, mean-reversion, ...); same externally-supplied-backend
// reasoning as placeholderSoldierEngine above.
type placeholderArchitecture struct{ strategy string }

func (p *placeholderArchitecture) Decide(ctx context.Context, mc fabric.MarketContext) (fabric.ArchitectureDecision, error) {
	return fabric.ArchitectureDecision{
		Strategy:   p.strategy,
		Confidence: 0.5,
		RiskLevel:  "medium",
		Metadata:   map[string]interface{}{"source": "placeholder"},
	}, nil
}

// soldierEngineAdapter translates the coordinator's MarketContext-only
// Invoke surface into the soldier's symbol/tick-based MakeDecision call.
// The coordinator sees the fabric only in aggregate terms (volatility,
// liquidity, concentration); the soldier reasons over a specific
// instrument's tick, which a production deployment would feed from a
// live market data stream. Here a synthetic at-the-money tick is
// derived from the market context so the wiring is exercised end to
// end without depending on a tick feed this repository doesn't own.
type soldierEngineAdapter struct{ soldier *soldier.Soldier }

func (a *soldierEngineAdapter) Invoke(ctx context.Context, mc fabric.MarketContext) (fabric.BrainDecision, error) {
	tick := soldier.MarketTick{Close: 100, MA20: 100 * (1 - mc.TrendStrength*0.01), Volume: 1000, AvgVolume: 1000}
	decision := a.soldier.MakeDecision(ctx, "PORTFOLIO", tick)
	decision.BrainDecision.CorrelationID = fmt.Sprintf("soldier_%d", rand.Int63())
	return decision.BrainDecision, nil
}

// runnerEngineAdapter translates the coordinator's Invoke surface into
// the runner's RunParallel call, feeding a degenerate single-position
// portfolio built from the market context since the coordinator has no
// per-position breakdown to hand the runner, then resolves the two
// architectures' candidate decisions through the hybrid blender rather
// than the runner's own internal selectDecision tie-break — giving the
// blender component a real caller instead of sitting unwired.
type runnerEngineAdapter struct {
	runner  *runner.Runner
	blender *blender.Blender
}

func (a *runnerEngineAdapter) Invoke(ctx context.Context, mc fabric.MarketContext) (fabric.BrainDecision, error) {
	snapshot := runner.MarketSnapshot{Volatility: mc.Volatility, AvgVolume: mc.Liquidity, TrendStrength: mc.TrendStrength, Regime: mc.Regime}
	portfolio := runner.Portfolio{TotalValue: mc.AUM, RecentDrawdown: mc.RecentDrawdown}
	result := a.runner.RunParallel(ctx, snapshot, portfolio)

	blended := a.blender.Decide(mc, result.DecisionA, result.DecisionB)

	return fabric.BrainDecision{
		DecisionID:     fmt.Sprintf("commander_%d", rand.Int63()),
		PrimaryBrain:   fabric.BrainCommander,
		Action:         commanderAction(blended),
		Confidence:     blended.Confidence,
		Reasoning:      blended.BlendingReason,
		SupportingData: map[string]interface{}{"w_a": blended.WeightA, "w_b": blended.WeightB, "rules_applied": blended.RulesApplied},
		Timestamp:      result.Timestamp,
	}, nil
}

func commanderAction(d fabric.HybridDecision) string {
	if len(d.Positions) == 0 {
		return "hold"
	}
	return "rebalance"
}

// scholarEngineAdapter wires the intelligent router in as the
// coordinator's third brain.
type scholarEngineAdapter struct {
	router *router.Router
}

func (a *scholarEngineAdapter) Invoke(ctx context.Context, mc fabric.MarketContext) (fabric.BrainDecision, error) {
	routed := a.router.RouteDecision(mc)

	return fabric.BrainDecision{
		DecisionID:     fmt.Sprintf("scholar_%d", rand.Int63()),
		PrimaryBrain:   fabric.BrainScholar,
		Action:         routed.SelectedStrategy,
		Confidence:     routed.Confidence,
		Reasoning:      routed.RoutingReason,
		SupportingData: map[string]interface{}{"fallback_used": routed.FallbackUsed},
		Timestamp:      routed.Timestamp,
	}, nil
}
