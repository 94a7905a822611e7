package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/alerts"
	"prodintel/internal/config"
	"prodintel/internal/db"
	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const usage = `usage:
  alertctl create -product=<id> -kind=price_drop|new_viral|low_saturation [-threshold=19.99]
  alertctl enable -id=<rule>
  alertctl disable -id=<rule>
  alertctl threshold -id=<rule> [-threshold=19.99]   (omit to clear)
  alertctl delete -id=<rule>
  alertctl list [-all]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	id := fs.String("id", "", "rule id")
	product := fs.String("product", "", "product id")
	kind := fs.String("kind", "", "alert kind")
	threshold := fs.String("threshold", "", "price threshold")
	all := fs.Bool("all", false, "include inactive rules")
	_ = fs.Parse(os.Args[2:])

	cfg := config.Load()
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	conn, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := alerts.NewRuleService(&repository.AlertRepository{DB: conn}, log)

	if err := run(ctx, svc, cmd, *id, *product, *kind, *threshold, *all); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, svc *alerts.RuleService, cmd, id, product, kind, threshold string, all bool) error {
	th, err := parseThreshold(threshold)
	if err != nil {
		return err
	}
	switch cmd {
	case "create":
		pid, err := uuid.Parse(product)
		if err != nil {
			return fmt.Errorf("invalid product id: %w", err)
		}
		rule, err := svc.Create(ctx, pid, model.AlertKind(kind), th)
		if err != nil {
			return err
		}
		fmt.Println(rule.ID)
		return nil
	case "list":
		rules, err := svc.List(ctx, !all)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRODUCT\tKIND\tTHRESHOLD\tACTIVE\tCREATED")
		for _, r := range rules {
			t := "-"
			if r.Threshold != nil {
				t = r.Threshold.StringFixed(2)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.ProductID, r.Kind, t, r.Active, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}

	rid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid rule id: %w", err)
	}
	switch cmd {
	case "enable":
		return svc.SetActive(ctx, rid, true)
	case "disable":
		return svc.SetActive(ctx, rid, false)
	case "threshold":
		return svc.UpdateThreshold(ctx, rid, th)
	case "delete":
		return svc.Delete(ctx, rid)
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func parseThreshold(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold %q: %w", s, err)
	}
	return &d, nil
}
