package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prodintel/internal/alerts"
	"prodintel/internal/analytics"
	"prodintel/internal/config"
	"prodintel/internal/crawler"
	"prodintel/internal/db"
	"prodintel/internal/fetchguard"
	"prodintel/internal/ingest"
	"prodintel/internal/match"
	"prodintel/internal/observability"
	"prodintel/internal/pipeline"
	"prodintel/internal/report"
	"prodintel/internal/repository"
)

// Intervals used by -serve.
var schedule = map[string]time.Duration{
	"scrape": 24 * time.Hour,
	"prices": 6 * time.Hour,
	"trends": 24 * time.Hour,
	"alerts": time.Hour,
	"export": 7 * 24 * time.Hour,
}

// go run ./cmd/pipeline -job=scrape
// go run ./cmd/pipeline -job=all -dry-run
// go run ./cmd/pipeline -serve
func main() {
	job := flag.String("job", "all", "job to run once: scrape, prices, trends, alerts, export or all")
	serveMode := flag.Bool("serve", false, "keep running and trigger every job on its own interval")
	dryRun := flag.Bool("dry-run", false, "keep everything in memory instead of postgres")
	flag.Parse()

	cfg := config.Load()
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, cleanup, err := build(ctx, cfg, *dryRun, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer cleanup()

	if !*serveMode {
		res, err := jobs.Run(ctx, *job)
		if err != nil {
			log.Fatal("job failed", zap.String("job", *job), zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}

	observability.Start(cfg.MetricsPort)
	log.Info("scheduler started", zap.String("metrics_port", cfg.MetricsPort))
	if err := serve(ctx, jobs, schedule, log); err != nil {
		log.Error("scheduler stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("scheduler stopped")
}

type runner interface {
	Run(ctx context.Context, name string) (map[string]pipeline.Status, error)
}

// serve runs the whole sequence once, then triggers each job on its own
// interval until ctx ends.
func serve(ctx context.Context, jobs runner, every map[string]time.Duration, log *zap.Logger) error {
	if _, err := jobs.Run(ctx, "all"); err != nil && ctx.Err() == nil {
		return fmt.Errorf("startup run: %w", err)
	}
	log.Info("startup run finished")

	g, gctx := errgroup.WithContext(ctx)
	for name, interval := range every {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if _, err := jobs.Run(gctx, name); err != nil && gctx.Err() == nil {
						return fmt.Errorf("%s: %w", name, err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func build(ctx context.Context, cfg *config.Config, dryRun bool, log *zap.Logger) (*pipeline.Jobs, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var (
		products repository.ProductStore
		rules    repository.AlertStore
	)
	if dryRun || cfg.DatabaseURL == "" {
		log.Warn("using in-memory store")
		mem := repository.NewMemoryStore()
		products, rules = mem, mem
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, cleanup, err
		}
		sqlDB, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { sqlDB.Close() })
		products = &repository.ProductRepository{DB: pool}
		rules = &repository.AlertRepository{DB: sqlDB}
	}

	var (
		cache      fetchguard.Cache = fetchguard.NewMemoryCache(cfg.CacheTTL)
		suppressor alerts.Suppressor
	)
	if cfg.RedisURL != "" {
		rc, err := fetchguard.NewRedisCache(cfg.RedisURL, cfg.CacheTTL, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { rc.Close() })
		cache = rc
		if cfg.AlertSuppression == "until-resolved" {
			suppressor = alerts.NewRedisSuppressor(rc.Client, cfg.AlertSuppressionTTL)
		}
	} else if cfg.AlertSuppression == "until-resolved" {
		suppressor = alerts.NewMemorySuppressor(cfg.AlertSuppressionTTL)
	}

	guard := fetchguard.New(fetchguard.Options{
		RequestsPerMinute: cfg.RequestsPerMinute,
		PerSource:         cfg.PerSourceLimit,
		Cache:             cache,
		Proxies:           cfg.ProxyList,
		Logger:            log,
	})
	renderer := crawler.NewChromeRenderer(cfg.ChromeRemoteURL, log)
	closers = append(closers, renderer.Close)

	registry, err := crawler.NewRegistry(
		crawler.NewRenderedAdapter(guard, renderer, log),
		crawler.NewEmbeddedJSONAdapter(guard, log),
		crawler.NewListingAdapter(guard, log),
		crawler.NewCatalogAdapter(guard, log),
		crawler.NewSocialAdapter("tiktok", cfg.SocialFeedURL, guard, log),
		crawler.NewSocialAdapter("pinterest", cfg.SocialFeedURL, guard, log),
	)
	if err != nil {
		return nil, cleanup, err
	}
	log.Info("adapters registered", zap.Strings("sources", registry.Sources()))

	matcher, err := match.New(cfg.NameMatcher, cfg.NamePrefixLen, cfg.OpenAIKey, log)
	if err != nil {
		return nil, cleanup, err
	}

	var uploader report.Uploader
	if cfg.ExportS3Bucket != "" {
		up, err := report.NewS3Uploader(ctx, report.S3Config{
			Bucket:    cfg.ExportS3Bucket,
			Region:    cfg.ExportS3Region,
			Endpoint:  cfg.ExportS3Endpoint,
			AccessKey: cfg.AWSAccessKey,
			SecretKey: cfg.AWSSecretKey,
		})
		if err != nil {
			return nil, cleanup, err
		}
		uploader = up
	}

	eng := ingest.NewEngine(products, log)
	return &pipeline.Jobs{
		Plan: pipeline.ScrapePlan{
			Categories:        cfg.Categories,
			Sources:           cfg.Sources,
			ItemLimit:         cfg.ItemLimit,
			ShopifyNiche:      cfg.ShopifyNiche,
			ShopifyStores:     cfg.ShopifyStores,
			ShopifyStoreLimit: cfg.ShopifyStoreLimit,
			ShopifyItemLimit:  cfg.ShopifyItemLimit,
			SocialPlatforms:   []string{"tiktok", "pinterest"},
			SocialTags:        cfg.SocialTags,
		},
		RefreshLimit: cfg.PriceRefreshLimit,
		Orchestrator: pipeline.NewOrchestrator(registry, eng, cfg.WorkerCount, log),
		Registry:     registry,
		Ingest:       eng,
		Analytics: analytics.NewEngine(products, matcher, analytics.Options{
			CostRatio:     cfg.ProfitCostRatio,
			LowCostSource: cfg.LowCostSource,
			ResaleSource:  cfg.ResaleSource,
			Logger:        log,
		}),
		Alerts: alerts.NewEvaluator(rules, products, alerts.EvaluatorOptions{
			Notifiers: []alerts.Notifier{
				alerts.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log),
				alerts.NewEmailNotifier(cfg.SendGridAPIKey, cfg.FromEmail, cfg.ToEmail, log),
			},
			Suppressor: suppressor,
			Matcher:    matcher,
			Logger:     log,
		}),
		Exporter: report.NewExporter(products, strings.TrimSpace(cfg.ExportDir), uploader, log),
		Log:      log,
	}, cleanup, nil
}
