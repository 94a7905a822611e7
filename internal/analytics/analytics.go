// Package analytics derives business signals from stored product history:
// profit margins, market saturation, trend trajectory and seasonality.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

const (
	DefaultCostRatio = 0.45

	TrendWindow        = 30 * 24 * time.Hour
	PredictionHorizon  = 30
	SeasonWindow       = 90 * 24 * time.Hour
	MinSeasonSnapshots = 30
	SeasonalRatio      = 0.20
)

type Opportunity string

const (
	OpportunityHigh   Opportunity = "high"
	OpportunityMedium Opportunity = "medium"
	OpportunityLow    Opportunity = "low"
)

type Direction string

const (
	Rising    Direction = "rising"
	Stable    Direction = "stable"
	Declining Direction = "declining"
)

// Margin is the outcome of buying at SourcePrice and reselling at
// ResalePrice once shipping, tax and ads are paid.
type Margin struct {
	SourcePrice decimal.Decimal `json:"source_price"`
	ResalePrice decimal.Decimal `json:"resale_price"`
	Gross       decimal.Decimal `json:"gross_margin"`
	Net         decimal.Decimal `json:"net_margin"`
	ROI         float64         `json:"roi"`
}

// Margins computes gross = resale - source, net = gross - source*costRatio
// and ROI = net/source*100. ROI is 0 for a free source.
func Margins(source, resale decimal.Decimal, costRatio float64) Margin {
	gross := resale.Sub(source)
	costs := source.Mul(decimal.NewFromFloat(costRatio))
	net := gross.Sub(costs)
	// only reported fields are rounded; ROI uses the exact net
	m := Margin{
		SourcePrice: source.Round(2),
		ResalePrice: resale.Round(2),
		Gross:       gross.Round(2),
		Net:         net.Round(2),
	}
	if source.IsPositive() {
		m.ROI = net.Div(source).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return m
}

// Saturation maps a competitor count onto a 0-100 score.
func Saturation(competitors int) (float64, Opportunity) {
	switch {
	case competitors <= 0:
		return 0, OpportunityHigh
	case competitors < 10:
		return float64(competitors) * 5, OpportunityHigh
	case competitors < 50:
		return 50 + float64(competitors-10)*1.25, OpportunityMedium
	default:
		return 100, OpportunityLow
	}
}

type Prediction struct {
	Current   float64   `json:"current_score"`
	Predicted float64   `json:"predicted_score"`
	AvgChange float64   `json:"avg_change"`
	Direction Direction `json:"trend"`
}

// PredictTrend extrapolates a score series linearly over the next
// PredictionHorizon steps. The result is not clamped to 0-100. ok is false
// when fewer than two scores are given.
func PredictTrend(scores []model.TrendScore) (p Prediction, ok bool) {
	if len(scores) < 2 {
		return Prediction{}, false
	}
	sorted := make([]model.TrendScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ComputedAt.Before(sorted[j].ComputedAt) })

	first, last := sorted[0].Score, sorted[len(sorted)-1].Score
	avg := (last - first) / float64(len(sorted))
	p = Prediction{
		Current:   last,
		Predicted: last + avg*PredictionHorizon,
		AvgChange: avg,
		Direction: Stable,
	}
	switch {
	case avg > 1:
		p.Direction = Rising
	case avg < -1:
		p.Direction = Declining
	}
	return p, true
}

type Seasonality struct {
	Seasonal      bool                   `json:"seasonal"`
	PeakMonth     time.Month             `json:"peak_month"`
	PriceVariance float64                `json:"price_variance"`
	Ratio         float64                `json:"ratio"`
	MonthlyMeans  map[time.Month]float64 `json:"monthly_means"`
}

// DetectSeasonality groups snapshots by calendar month and flags the series
// when the spread of monthly means exceeds SeasonalRatio of their mean.
// ok is false when there are fewer than MinSeasonSnapshots snapshots.
func DetectSeasonality(snaps []model.PriceSnapshot) (s Seasonality, ok bool) {
	if len(snaps) < MinSeasonSnapshots {
		return Seasonality{}, false
	}
	sums := make(map[time.Month]float64)
	counts := make(map[time.Month]int)
	for _, sn := range snaps {
		m := sn.TakenAt.UTC().Month()
		sums[m] += sn.Price.InexactFloat64()
		counts[m]++
	}

	s.MonthlyMeans = make(map[time.Month]float64, len(sums))
	lo, hi, total := math.Inf(1), math.Inf(-1), 0.0
	for m := time.January; m <= time.December; m++ {
		n, seen := counts[m]
		if !seen {
			continue
		}
		mean := sums[m] / float64(n)
		s.MonthlyMeans[m] = mean
		total += mean
		lo = math.Min(lo, mean)
		if mean > hi {
			hi = mean
			s.PeakMonth = m
		}
	}
	overall := total / float64(len(s.MonthlyMeans))
	variance := hi - lo
	s.PriceVariance = math.Round(variance*100) / 100
	if overall > 0 {
		s.Ratio = variance / overall
	}
	s.Seasonal = len(s.MonthlyMeans) >= 2 && s.Ratio > SeasonalRatio
	return s, true
}

// TrendScoreFor scores a product from its review volume and rating, and
// rates saturation from how many similar listings exist.
func TrendScoreFor(p model.CanonicalProduct, similar int, at time.Time) model.TrendScore {
	ts := model.TrendScore{
		ID:          uuid.New(),
		ProductID:   p.ID,
		SalesVolume: p.ReviewCount * 10,
		Saturation:  math.Min(100, float64(similar)*5),
		ComputedAt:  at,
	}
	if p.ReviewCount > 0 && p.Rating > 0 {
		ts.Score = math.Min(100, float64(p.ReviewCount)/100*p.Rating*10)
	}
	return ts
}
