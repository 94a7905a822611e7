package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/match"
	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const (
	defaultLimit   = 50
	dashboardLimit = 5
)

type Options struct {
	CostRatio     float64
	LowCostSource string
	ResaleSource  string
	Logger        *zap.Logger
}

// Engine runs the analytics over everything in a ProductStore. Products are
// paired across sources with a match.Matcher.
type Engine struct {
	store     repository.ProductStore
	matcher   match.Matcher
	costRatio float64
	lowCost   string
	resale    string
	log       *zap.Logger
	now       func() time.Time
}

func NewEngine(store repository.ProductStore, matcher match.Matcher, opts Options) *Engine {
	if matcher == nil {
		matcher = match.PrefixMatcher{}
	}
	if opts.CostRatio <= 0 {
		opts.CostRatio = DefaultCostRatio
	}
	if opts.LowCostSource == "" {
		opts.LowCostSource = "aliexpress"
	}
	if opts.ResaleSource == "" {
		opts.ResaleSource = "amazon"
	}
	return &Engine{
		store:     store,
		matcher:   matcher,
		costRatio: opts.CostRatio,
		lowCost:   opts.LowCostSource,
		resale:    opts.ResaleSource,
		log:       observability.OrNop(opts.Logger).Named("analytics"),
		now:       time.Now,
	}
}

type ProfitQuery struct {
	MinNetMargin *decimal.Decimal
	Limit        int
}

type ProfitResult struct {
	Product model.CanonicalProduct `json:"product"`
	Margin
}

type SaturationResult struct {
	Product     model.CanonicalProduct `json:"product"`
	Competitors int                    `json:"competitors"`
	Score       float64                `json:"saturation_score"`
	Opportunity Opportunity            `json:"opportunity"`
}

type PredictionResult struct {
	Product model.CanonicalProduct `json:"product"`
	Prediction
}

type SeasonalResult struct {
	Product model.CanonicalProduct `json:"product"`
	Seasonality
}

type Dashboard struct {
	TotalProducts int                        `json:"total_products"`
	TopTrending   []repository.ScoredProduct `json:"top_trending"`
	TopProfit     []ProfitResult             `json:"top_profit"`
	LowSaturation []SaturationResult         `json:"low_saturation"`
}

// products loads every product and hands the names to the matcher when it
// wants them ahead of time.
func (e *Engine) products(ctx context.Context) ([]model.CanonicalProduct, error) {
	all, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if p, ok := e.matcher.(match.Preparer); ok && len(all) > 0 {
		names := make([]string, len(all))
		for i, pr := range all {
			names[i] = pr.Name
		}
		if err := p.Prepare(ctx, names); err != nil {
			e.log.Warn("matcher preparation failed, using fallback", zap.Error(err))
		}
	}
	return all, nil
}

// similar returns every other product whose name matches ref's.
func (e *Engine) similar(ref model.CanonicalProduct, all []model.CanonicalProduct) []model.CanonicalProduct {
	var out []model.CanonicalProduct
	for _, q := range all {
		if q.ID == ref.ID {
			continue
		}
		if e.matcher.Similar(ref.Name, q.Name) {
			out = append(out, q)
		}
	}
	return out
}

func (e *Engine) margin(ref model.CanonicalProduct, all []model.CanonicalProduct) (Margin, bool) {
	var (
		low       decimal.Decimal
		haveLow   bool
		resaleSum decimal.Decimal
		resaleN   int64
	)
	for _, q := range all {
		if q.Source != e.lowCost && q.Source != e.resale {
			continue
		}
		if !e.matcher.Similar(ref.Name, q.Name) {
			continue
		}
		if q.Source == e.lowCost && (!haveLow || q.Price.LessThan(low)) {
			low, haveLow = q.Price, true
		}
		if q.Source == e.resale {
			resaleSum = resaleSum.Add(q.Price)
			resaleN++
		}
	}
	if !haveLow || resaleN == 0 {
		return Margin{}, false
	}
	avg := resaleSum.Div(decimal.NewFromInt(resaleN))
	return Margins(low, avg, e.costRatio), true
}

func (e *Engine) profit(all []model.CanonicalProduct, q ProfitQuery) []ProfitResult {
	var out []ProfitResult
	for _, p := range all {
		m, ok := e.margin(p, all)
		if !ok {
			continue
		}
		if q.MinNetMargin != nil && m.Net.LessThan(*q.MinNetMargin) {
			continue
		}
		out = append(out, ProfitResult{Product: p, Margin: m})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ROI > out[j].ROI })
	return truncate(out, q.Limit)
}

// Profit pairs each product with the cheapest matching low-cost listing and
// the average matching resale listing. Products missing either side are
// skipped. Results are ordered by ROI, best first.
func (e *Engine) Profit(ctx context.Context, q ProfitQuery) ([]ProfitResult, error) {
	all, err := e.products(ctx)
	if err != nil {
		return nil, err
	}
	return e.profit(all, q), nil
}

// SaturationScores ranks products by stored competitor count, least
// saturated first.
func (e *Engine) SaturationScores(ctx context.Context, limit int) ([]SaturationResult, error) {
	all, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	counts, err := e.store.CompetitorCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("competitor counts: %w", err)
	}
	out := make([]SaturationResult, 0, len(all))
	for _, p := range all {
		c := counts[p.ID]
		score, opp := Saturation(c)
		out = append(out, SaturationResult{Product: p, Competitors: c, Score: score, Opportunity: opp})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return truncate(out, limit), nil
}

func (e *Engine) Predictions(ctx context.Context, limit int) ([]PredictionResult, error) {
	all, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	since := e.now().UTC().Add(-TrendWindow)
	var out []PredictionResult
	for _, p := range all {
		scores, err := e.store.TrendScoresSince(ctx, p.ID, since)
		if err != nil {
			return nil, fmt.Errorf("trend scores for %s: %w", p.ID, err)
		}
		pred, ok := PredictTrend(scores)
		if !ok {
			continue
		}
		out = append(out, PredictionResult{Product: p, Prediction: pred})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Predicted > out[j].Predicted })
	return truncate(out, limit), nil
}

// Seasonal returns the products whose last 90 days of prices vary by month.
func (e *Engine) Seasonal(ctx context.Context) ([]SeasonalResult, error) {
	all, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	since := e.now().UTC().Add(-SeasonWindow)
	var out []SeasonalResult
	for _, p := range all {
		snaps, err := e.store.SnapshotsSince(ctx, p.ID, since)
		if err != nil {
			return nil, fmt.Errorf("snapshots for %s: %w", p.ID, err)
		}
		s, ok := DetectSeasonality(snaps)
		if !ok || !s.Seasonal {
			continue
		}
		out = append(out, SeasonalResult{Product: p, Seasonality: s})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio > out[j].Ratio })
	return out, nil
}

// ComputeTrendScores appends a fresh TrendScore for every product. Earlier
// scores are kept as history.
func (e *Engine) ComputeTrendScores(ctx context.Context) (int, error) {
	all, err := e.products(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}
	now := e.now().UTC()
	scores := make([]model.TrendScore, 0, len(all))
	for _, p := range all {
		ts := TrendScoreFor(p, len(e.similar(p, all)), now)
		if m, ok := e.margin(p, all); ok {
			net := m.Net
			ts.MarginEstimate = &net
		}
		scores = append(scores, ts)
	}
	if err := e.store.InsertTrendScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("insert %d trend scores: %w", len(scores), err)
	}
	e.log.Info("trend scores computed", zap.Int("count", len(scores)))
	return len(scores), nil
}

// LinkCompetitors replaces each product's competitor set with the matching
// listings found under other URLs.
func (e *Engine) LinkCompetitors(ctx context.Context) (int, error) {
	all, err := e.products(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	linked := 0
	for _, p := range all {
		var recs []model.CompetitorRecord
		for _, q := range e.similar(p, all) {
			if q.URL == p.URL {
				continue
			}
			recs = append(recs, model.CompetitorRecord{
				ID:        uuid.New(),
				ProductID: p.ID,
				Vendor:    model.Truncate(q.Source, model.MaxVendorLen),
				Price:     decimal.Min(q.Price, model.MaxPrice),
				URL:       q.URL,
				Stock:     q.Stock,
				Rating:    model.ClampRating(q.Rating),
				ScrapedAt: now,
			})
		}
		if err := e.store.ReplaceCompetitors(ctx, p.ID, recs); err != nil {
			return linked, fmt.Errorf("competitors for %s: %w", p.ID, err)
		}
		linked += len(recs)
	}
	e.log.Info("competitors linked", zap.Int("products", len(all)), zap.Int("links", linked))
	return linked, nil
}

func (e *Engine) Dashboard(ctx context.Context) (Dashboard, error) {
	all, err := e.products(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	top, err := e.store.TopTrending(ctx, dashboardLimit)
	if err != nil {
		return Dashboard{}, fmt.Errorf("top trending: %w", err)
	}
	sat, err := e.SaturationScores(ctx, dashboardLimit)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		TotalProducts: len(all),
		TopTrending:   top,
		TopProfit:     e.profit(all, ProfitQuery{Limit: dashboardLimit}),
		LowSaturation: sat,
	}, nil
}

func truncate[T any](in []T, limit int) []T {
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(in) > limit {
		return in[:limit]
	}
	return in
}
