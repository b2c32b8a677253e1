package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/edgeguard"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := edgeguard.LoadConfig(*configPath)
	watching := err == nil
	if err != nil {
		cfg = edgeguard.DefaultConfig()
	}
	logger := edgeguard.NewLogger(cfg.LogLevel)
	if !watching {
		logger.Warn().Err(err).Str("path", *configPath).Msg("config not loaded, using defaults")
	}

	store := edgeguard.NewSlidingWindowStore(cfg.Window.Std(), cfg.IdleTTL.Std(), cfg.MaxTrackedKeys)
	extractor := edgeguard.NewFeatureExtractor(cfg.MinSamplesRequired)

	var scorer edgeguard.Scorer
	if cfg.ModelPath != "" {
		s, err := edgeguard.LoadScorer(cfg.ModelPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.ModelPath).Msg("scoring model unavailable, falling back to rules")
		} else {
			scorer = s
		}
	}
	engine := edgeguard.NewDetectionEngine(cfg, scorer, logger)

	mitigator := edgeguard.NewMitigationController(edgeguard.MitigationPolicy{
		BaseRateLimit:   cfg.BaseRateLimit,
		BurstMultiplier: cfg.BurstMultiplier,
		BaseBlock:       cfg.BaseBlockDuration.Std(),
		MaxBlock:        cfg.MaxBlockDuration.Std(),
		DecayWindow:     cfg.ViolationDecayWindow.Std(),
		Window:          cfg.Window.Std(),
	})

	var cache edgeguard.VerdictCache
	if cfg.RedisAddr != "" {
		rc, err := edgeguard.NewRedisVerdictCache(cfg.RedisAddr, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis verdict cache unavailable, using in-process cache")
		} else {
			cache = rc
		}
	}
	if cache == nil {
		lc, err := edgeguard.NewRistrettoVerdictCache(int64(cfg.MaxTrackedKeys))
		if err != nil {
			logger.Warn().Err(err).Msg("verdict cache disabled")
		} else {
			cache = lc
		}
	}

	alerts := edgeguard.NewAlertEngine(cfg.AlertDedupWindow.Std(), cfg.EscalationReopenCount, logger)
	alerts.AddSink(&edgeguard.LogAlertSink{Logger: logger})
	if cfg.AlertWebhookURL != "" {
		alerts.AddSink(edgeguard.NewWebhookAlertSink(cfg.AlertWebhookURL))
	}

	var ledger *edgeguard.AlertLedger
	if cfg.LedgerPath != "" {
		l, err := edgeguard.NewAlertLedger(cfg.LedgerPath)
		if err != nil {
			logger.Warn().Err(err).Msg("alert ledger unavailable, history disabled")
		} else {
			ledger = l
			alerts.SetLedger(ledger)
		}
	}

	perf := edgeguard.NewPerformanceMetrics()
	collector := edgeguard.NewInMemoryMetricsCollector()
	pipeline := edgeguard.NewPipeline(cfg, store, extractor, engine, mitigator, cache, alerts, perf, collector, logger)
	gateway := edgeguard.NewGateway(cfg, pipeline, logger)

	var watcher *edgeguard.ConfigWatcher
	if watching {
		watcher, err = edgeguard.NewConfigWatcher(*configPath, logger, pipeline.ApplyConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		health := fiber.Map{"status": "ok", "services": fiber.Map{}}
		services := health["services"].(fiber.Map)
		services["detection"] = fiber.Map{"degraded": engine.Degraded()}
		if cache != nil {
			if err := cache.HealthCheck(); err != nil {
				health["status"] = "degraded"
				services["cache"] = fiber.Map{"status": "error", "error": err.Error()}
			} else {
				services["cache"] = fiber.Map{"status": "ok"}
			}
		}
		if ledger != nil {
			if err := ledger.HealthCheck(); err != nil {
				health["status"] = "degraded"
				services["ledger"] = fiber.Map{"status": "error", "error": err.Error()}
			} else {
				services["ledger"] = fiber.Map{"status": "ok"}
			}
		}
		return c.JSON(health)
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		for stage, summary := range perf.Snapshot() {
			labels := map[string]string{"stage": stage}
			collector.SetGauge("edgeguard_stage_p50_seconds", summary.P50.Seconds(), labels)
			collector.SetGauge("edgeguard_stage_p95_seconds", summary.P95.Seconds(), labels)
			collector.SetGauge("edgeguard_stage_p99_seconds", summary.P99.Seconds(), labels)
		}
		collector.SetGauge("edgeguard_cache_hit_ratio", perf.CacheHitRatio(), nil)
		collector.SetGauge("edgeguard_tracked_keys", float64(store.TrackedKeys()), nil)
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(collector.ExportPrometheus())
	})

	app.Get("/api/alerts", func(c *fiber.Ctx) error {
		if ledger == nil {
			return c.JSON(fiber.Map{"alerts": alerts.ActiveAlerts(time.Now())})
		}
		recent, err := ledger.Recent(c.UserContext(), c.QueryInt("limit", 50))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"alerts": recent})
	})

	app.Get("/api/detections", func(c *fiber.Ctx) error {
		out := fiber.Map{
			"degraded": engine.Degraded(),
			"active":   alerts.ActiveAlerts(time.Now()),
		}
		if ledger != nil {
			summary, err := ledger.Summary(c.UserContext(), time.Now().Add(-5*time.Minute))
			if err == nil {
				out["summary"] = summary
			}
		}
		return c.JSON(out)
	})

	app.Post("/api/config/reload", func(c *fiber.Ctx) error {
		reloaded, err := edgeguard.LoadConfig(*configPath)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		pipeline.ApplyConfig(reloaded)
		return c.JSON(fiber.Map{"message": "configuration reloaded"})
	})

	app.Use(gateway.Middleware())
	app.All("/*", gateway.Forward)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				logger.Warn().Err(err).Msg("error stopping config watcher")
			}
		}
		if err := app.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("error shutting down server")
		}
		pipeline.Close()
		if ledger != nil {
			ledger.Close()
		}
	}()

	logger.Info().Str("listen", cfg.Listen).Str("upstream", cfg.Upstream).Msg("edgeguard starting")
	if err := app.Listen(cfg.Listen); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
