package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/analytics"
	"prodintel/internal/config"
	"prodintel/internal/db"
	"prodintel/internal/match"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const usage = `usage:
  analyticsctl dashboard
  analyticsctl profit [-min-margin=5.00] [-limit=50]
  analyticsctl saturation [-limit=50]
  analyticsctl predictions [-limit=50]
  analyticsctl seasonal`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum rows (0 uses the default)")
	minMargin := fs.String("min-margin", "", "minimum net margin")
	_ = fs.Parse(os.Args[2:])

	cfg := config.Load()
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	matcher, err := match.New(cfg.NameMatcher, cfg.NamePrefixLen, cfg.OpenAIKey, log)
	if err != nil {
		log.Fatal("matcher", zap.Error(err))
	}
	eng := analytics.NewEngine(&repository.ProductRepository{DB: pool}, matcher, analytics.Options{
		CostRatio:     cfg.ProfitCostRatio,
		LowCostSource: cfg.LowCostSource,
		ResaleSource:  cfg.ResaleSource,
		Logger:        log,
	})

	if err := run(ctx, os.Stdout, eng, cmd, *limit, *minMargin); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, eng *analytics.Engine, cmd string, limit int, minMargin string) error {
	var (
		out any
		err error
	)
	switch cmd {
	case "dashboard":
		out, err = eng.Dashboard(ctx)
	case "profit":
		q := analytics.ProfitQuery{Limit: limit}
		if minMargin != "" {
			d, perr := decimal.NewFromString(minMargin)
			if perr != nil {
				return fmt.Errorf("invalid min margin %q: %w", minMargin, perr)
			}
			q.MinNetMargin = &d
		}
		out, err = eng.Profit(ctx, q)
	case "saturation":
		out, err = eng.SaturationScores(ctx, limit)
	case "predictions":
		out, err = eng.Predictions(ctx, limit)
	case "seasonal":
		out, err = eng.Seasonal(ctx)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
