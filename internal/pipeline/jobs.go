package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"prodintel/internal/alerts"
	"prodintel/internal/analytics"
	"prodintel/internal/crawler"
	"prodintel/internal/ingest"
	"prodintel/internal/observability"
	"prodintel/internal/report"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Status is what every scheduled job reports back.
type Status struct {
	Status  string         `json:"status"`
	Counts  map[string]int `json:"counts,omitempty"`
	Message string         `json:"message,omitempty"`
}

func ok(counts map[string]int, msg string) Status {
	return Status{Status: StatusSuccess, Counts: counts, Message: msg}
}

func failed(err error) Status {
	return Status{Status: StatusError, Message: err.Error()}
}

type ScrapePlan struct {
	Categories []string
	Sources    []string
	ItemLimit  int

	ShopifyNiche      string
	ShopifyStores     []string
	ShopifyStoreLimit int
	ShopifyItemLimit  int

	SocialPlatforms []string
	SocialTags      []string
}

// Jobs bundles the scheduled entry points. A nil component turns its job
// into an error status.
type Jobs struct {
	Plan         ScrapePlan
	RefreshLimit int

	Orchestrator *Orchestrator
	Registry     *crawler.Registry
	Ingest       *ingest.Engine
	Analytics    *analytics.Engine
	Alerts       *alerts.Evaluator
	Exporter     *report.Exporter
	Log          *zap.Logger
}

func (j *Jobs) log() *zap.Logger { return observability.OrNop(j.Log).Named("jobs") }

func (j *Jobs) observe(job string, started time.Time, st Status) Status {
	observability.ObserveJob(job, st.Status, started)
	l := j.log().With(zap.String("job", job), zap.String("status", st.Status), zap.Duration("took", time.Since(started)))
	if st.Status == StatusError {
		l.Error("job failed", zap.String("message", st.Message))
	} else {
		l.Info("job finished", zap.Any("counts", st.Counts))
	}
	return st
}

// Targets expands the plan into the pairs of one scrape cycle.
func (j *Jobs) Targets() []Target {
	p := j.Plan
	var out []Target
	for _, c := range p.Categories {
		for _, s := range p.Sources {
			out = append(out, Target{Source: s, Category: c, Limit: p.ItemLimit})
		}
	}

	if j.registered("shopify") {
		stores := p.ShopifyStores
		if len(stores) == 0 {
			stores = crawler.TrendingStores(p.ShopifyNiche)
		}
		if p.ShopifyStoreLimit > 0 && len(stores) > p.ShopifyStoreLimit {
			stores = stores[:p.ShopifyStoreLimit]
		}
		for _, st := range stores {
			out = append(out, Target{Source: "shopify", Category: st, Limit: p.ShopifyItemLimit})
		}
	}

	for _, platform := range p.SocialPlatforms {
		if !j.registered(platform) {
			continue
		}
		for _, tag := range p.SocialTags {
			out = append(out, Target{Source: platform, Category: tag, Limit: p.ItemLimit})
		}
	}
	return out
}

func (j *Jobs) registered(source string) bool {
	if j.Registry == nil {
		return false
	}
	_, ok := j.Registry.Get(source)
	return ok
}

func (j *Jobs) ScrapeAll(ctx context.Context) Status {
	started := time.Now()
	if j.Orchestrator == nil {
		return j.observe("scrape", started, failed(fmt.Errorf("orchestrator not configured")))
	}
	targets := j.Targets()
	sum := j.Orchestrator.Run(ctx, targets)
	counts := map[string]int{
		"targets":  sum.Targets,
		"fetched":  sum.Fetched,
		"ingested": sum.Ingested,
		"failures": len(sum.Failures),
	}
	for src, n := range sum.PerSource {
		counts["source:"+src] = n
	}
	if len(targets) > 0 && len(sum.Failures) == len(targets) {
		st := Status{Status: StatusError, Counts: counts, Message: "every target failed"}
		return j.observe("scrape", started, st)
	}
	msg := fmt.Sprintf("%d products ingested from %d targets", sum.Ingested, sum.Targets)
	return j.observe("scrape", started, ok(counts, msg))
}

func (j *Jobs) RefreshPrices(ctx context.Context) Status {
	started := time.Now()
	if j.Ingest == nil {
		return j.observe("prices", started, failed(fmt.Errorf("ingestion not configured")))
	}
	n, err := j.Ingest.RefreshPrices(ctx, j.RefreshLimit)
	if err != nil {
		return j.observe("prices", started, failed(err))
	}
	return j.observe("prices", started, ok(map[string]int{"snapshots": n}, ""))
}

// ComputeTrends relinks competitors first so saturation reflects the latest
// catalog, then appends a trend score per product.
func (j *Jobs) ComputeTrends(ctx context.Context) Status {
	started := time.Now()
	if j.Analytics == nil {
		return j.observe("trends", started, failed(fmt.Errorf("analytics not configured")))
	}
	links, err := j.Analytics.LinkCompetitors(ctx)
	if err != nil {
		return j.observe("trends", started, failed(err))
	}
	n, err := j.Analytics.ComputeTrendScores(ctx)
	if err != nil {
		return j.observe("trends", started, failed(err))
	}
	return j.observe("trends", started, ok(map[string]int{"competitor_links": links, "scores": n}, ""))
}

func (j *Jobs) CheckAlerts(ctx context.Context) Status {
	started := time.Now()
	if j.Alerts == nil {
		return j.observe("alerts", started, failed(fmt.Errorf("alerts not configured")))
	}
	rep, err := j.Alerts.Check(ctx)
	if err != nil {
		return j.observe("alerts", started, failed(err))
	}
	counts := map[string]int{
		"checked":    rep.Checked,
		"triggered":  rep.Fired,
		"suppressed": rep.Suppressed,
		"errors":     rep.Errors,
	}
	return j.observe("alerts", started, ok(counts, ""))
}

func (j *Jobs) ExportReport(ctx context.Context) Status {
	started := time.Now()
	if j.Exporter == nil {
		return j.observe("export", started, failed(fmt.Errorf("exporter not configured")))
	}
	out, err := j.Exporter.Weekly(ctx)
	if err != nil {
		return j.observe("export", started, failed(err))
	}
	msg := out.File
	if out.Location != "" {
		msg = out.Location
	}
	return j.observe("export", started, ok(map[string]int{"products": out.Rows}, msg))
}

// Run dispatches a job by name. "all" runs the daily sequence in order.
func (j *Jobs) Run(ctx context.Context, name string) (map[string]Status, error) {
	table := map[string]func(context.Context) Status{
		"scrape": j.ScrapeAll,
		"prices": j.RefreshPrices,
		"trends": j.ComputeTrends,
		"alerts": j.CheckAlerts,
		"export": j.ExportReport,
	}
	if name == "all" {
		out := make(map[string]Status)
		for _, n := range []string{"scrape", "prices", "trends", "alerts", "export"} {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out[n] = table[n](ctx)
		}
		return out, nil
	}
	fn, found := table[name]
	if !found {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	return map[string]Status{name: fn(ctx)}, nil
}
