package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodintel/internal/alerts"
	"prodintel/internal/analytics"
	"prodintel/internal/crawler"
	"prodintel/internal/ingest"
	"prodintel/internal/match"
	"prodintel/internal/model"
	"prodintel/internal/report"
	"prodintel/internal/repository"
)

// fakeAdapter returns n records per category, or fails for the categories
// listed in failOn.
type fakeAdapter struct {
	source string
	n      int
	failOn map[string]bool
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeAdapter) Source() string { return f.source }

func (f *fakeAdapter) FetchCandidates(ctx context.Context, category string, limit int) ([]model.RawProductRecord, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return []model.RawProductRecord{}, &crawler.FetchError{Source: f.source, Target: category, Kind: crawler.KindTransient, Err: ctx.Err()}
		}
	}
	if f.failOn[category] {
		return []model.RawProductRecord{}, &crawler.FetchError{Source: f.source, Target: category, Kind: crawler.KindTransient, Err: errors.New("503 service unavailable")}
	}
	n := f.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.RawProductRecord, n)
	for i := range out {
		out[i] = model.RawProductRecord{
			Source:   f.source,
			Name:     fmt.Sprintf("%s %s item %d", f.source, category, i),
			Category: category,
			Price:    decimal.NewFromInt(int64(10 + i)),
			URL:      fmt.Sprintf("https://%s.example/%s/%d", f.source, category, i),
			Stock:    model.StockInStock,
		}
	}
	return out, nil
}

func (f *fakeAdapter) FetchDetail(context.Context, string) (*model.DetailRecord, error) {
	return nil, nil
}

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, []model.RawProductRecord) (ingest.Result, error) {
	return ingest.Result{}, errors.New("connection refused")
}

func registry(t *testing.T, adapters ...crawler.Adapter) *crawler.Registry {
	t.Helper()
	r, err := crawler.NewRegistry(adapters...)
	require.NoError(t, err)
	return r
}

func TestOrchestrator_IsolatesFailingPairs(t *testing.T) {
	store := repository.NewMemoryStore()
	amazon := &fakeAdapter{source: "amazon", n: 3, failOn: map[string]bool{"home": true}}
	ebay := &fakeAdapter{source: "ebay", n: 2}

	o := NewOrchestrator(registry(t, amazon, ebay), ingest.NewEngine(store, nil), 3, nil)
	sum := o.Run(context.Background(), []Target{
		{Source: "amazon", Category: "electronics", Limit: 10},
		{Source: "amazon", Category: "home", Limit: 10},
		{Source: "ebay", Category: "home", Limit: 10},
		{Source: "walmart", Category: "home", Limit: 10},
	})

	assert.Equal(t, 4, sum.Targets)
	assert.Equal(t, 5, sum.Fetched)
	assert.Equal(t, 5, sum.Ingested)
	assert.Equal(t, map[string]int{"amazon": 3, "ebay": 2}, sum.PerSource)
	require.Len(t, sum.Failures, 2)

	stages := map[string]Stage{}
	for _, f := range sum.Failures {
		stages[f.Source+"/"+f.Category] = f.Stage
	}
	assert.Equal(t, StageFetch, stages["amazon/home"])
	assert.Equal(t, StageConfig, stages["walmart/home"])

	all, err := store.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestOrchestrator_IngestFailureIsRecorded(t *testing.T) {
	a := &fakeAdapter{source: "ebay", n: 2}
	sum := NewOrchestrator(registry(t, a), failingIngester{}, 2, nil).Run(context.Background(), []Target{
		{Source: "ebay", Category: "a"},
		{Source: "ebay", Category: "b"},
	})
	assert.Equal(t, 4, sum.Fetched)
	assert.Zero(t, sum.Ingested)
	require.Len(t, sum.Failures, 2)
	assert.Equal(t, StageIngest, sum.Failures[0].Stage)
}

func TestOrchestrator_CancellationSkipsRemainingPairs(t *testing.T) {
	store := repository.NewMemoryStore()
	slow := &fakeAdapter{source: "amazon", n: 1, delay: time.Second}

	var targets []Target
	for i := 0; i < 10; i++ {
		targets = append(targets, Target{Source: "amazon", Category: fmt.Sprintf("c%d", i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sum := NewOrchestrator(registry(t, slow), ingest.NewEngine(store, nil), 2, nil).Run(ctx, targets)

	require.Len(t, sum.Failures, 10)
	for _, f := range sum.Failures {
		assert.Equal(t, StageCancelled, f.Stage)
	}
	assert.LessOrEqual(t, int(slow.calls.Load()), 4)

	all, _ := store.ListProducts(context.Background())
	assert.Empty(t, all, "no partial batches after cancellation")
}

func TestOrchestrator_EmptyCycle(t *testing.T) {
	sum := NewOrchestrator(registry(t), ingest.NewEngine(repository.NewMemoryStore(), nil), 0, nil).Run(context.Background(), nil)
	assert.Zero(t, sum.Targets)
	assert.Empty(t, sum.Failures)
}

func TestJobs_Targets(t *testing.T) {
	reg := registry(t,
		&fakeAdapter{source: "amazon"},
		&fakeAdapter{source: "shopify"},
		&fakeAdapter{source: "tiktok"},
	)
	j := &Jobs{
		Registry: reg,
		Plan: ScrapePlan{
			Categories:        []string{"home", "fashion"},
			Sources:           []string{"amazon", "ebay"},
			ItemLimit:         25,
			ShopifyNiche:      "fashion",
			ShopifyStoreLimit: 2,
			ShopifyItemLimit:  20,
			SocialPlatforms:   []string{"tiktok", "pinterest"},
			SocialTags:        []string{"tiktokmademebuyit"},
		},
	}
	targets := j.Targets()
	require.Len(t, targets, 4+2+1)
	assert.Equal(t, Target{Source: "ebay", Category: "home", Limit: 25}, targets[1])
	assert.Equal(t, Target{Source: "shopify", Category: "gymshark.com", Limit: 20}, targets[4])
	assert.Equal(t, Target{Source: "shopify", Category: "fashionnova.com", Limit: 20}, targets[5])
	assert.Equal(t, "tiktok", targets[6].Source)
}

func TestJobs_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ali := &fakeAdapter{source: "aliexpress", n: 2}
	amz := &fakeAdapter{source: "amazon", n: 2}
	reg := registry(t, ali, amz)
	eng := ingest.NewEngine(store, nil)
	matcher := match.PrefixMatcher{}

	j := &Jobs{
		Plan:         ScrapePlan{Categories: []string{"home"}, Sources: []string{"aliexpress", "amazon"}, ItemLimit: 5},
		Registry:     reg,
		Orchestrator: NewOrchestrator(reg, eng, 2, nil),
		Ingest:       eng,
		Analytics:    analytics.NewEngine(store, matcher, analytics.Options{}),
		Alerts:       alerts.NewEvaluator(store, store, alerts.EvaluatorOptions{Matcher: matcher}),
		Exporter:     report.NewExporter(store, t.TempDir(), nil, nil),
	}

	res, err := j.Run(ctx, "all")
	require.NoError(t, err)
	require.Len(t, res, 5)
	for name, st := range res {
		assert.Equal(t, StatusSuccess, st.Status, "%s: %s", name, st.Message)
	}
	assert.Equal(t, 4, res["scrape"].Counts["ingested"])
	assert.Equal(t, 2, res["scrape"].Counts["source:amazon"])
	assert.Equal(t, 4, res["prices"].Counts["snapshots"])
	assert.Equal(t, 4, res["trends"].Counts["scores"])
	assert.Equal(t, 4, res["export"].Counts["products"])
}

func TestJobs_ScrapeAllEveryTargetFailed(t *testing.T) {
	reg := registry(t, &fakeAdapter{source: "ebay", failOn: map[string]bool{"home": true}})
	j := &Jobs{
		Plan:         ScrapePlan{Categories: []string{"home"}, Sources: []string{"ebay"}},
		Registry:     reg,
		Orchestrator: NewOrchestrator(reg, ingest.NewEngine(repository.NewMemoryStore(), nil), 1, nil),
	}
	st := j.ScrapeAll(context.Background())
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, 1, st.Counts["failures"])
}

func TestJobs_UnconfiguredAndUnknown(t *testing.T) {
	j := &Jobs{}
	assert.Equal(t, StatusError, j.CheckAlerts(context.Background()).Status)
	_, err := j.Run(context.Background(), "reindex")
	assert.Error(t, err)
}
