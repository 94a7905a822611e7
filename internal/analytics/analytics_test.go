package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodintel/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMargins(t *testing.T) {
	m := Margins(dec("10.00"), dec("30.00"), DefaultCostRatio)
	assert.True(t, m.Gross.Equal(dec("20.00")), m.Gross.String())
	assert.True(t, m.Net.Equal(dec("15.50")), m.Net.String())
	assert.Equal(t, 155.0, m.ROI)

	free := Margins(decimal.Zero, dec("12"), DefaultCostRatio)
	assert.True(t, free.Net.Equal(dec("12")))
	assert.Zero(t, free.ROI)

	loss := Margins(dec("20"), dec("21"), DefaultCostRatio)
	assert.True(t, loss.Net.Equal(dec("-8")))
	assert.Equal(t, -40.0, loss.ROI)
}

func TestSaturation(t *testing.T) {
	tests := []struct {
		count int
		score float64
		opp   Opportunity
	}{
		{0, 0, OpportunityHigh},
		{1, 5, OpportunityHigh},
		{9, 45, OpportunityHigh},
		{10, 50, OpportunityMedium},
		{30, 75, OpportunityMedium},
		{49, 98.75, OpportunityMedium},
		{50, 100, OpportunityLow},
		{500, 100, OpportunityLow},
	}
	for _, tt := range tests {
		score, opp := Saturation(tt.count)
		assert.Equal(t, tt.score, score, "count %d", tt.count)
		assert.Equal(t, tt.opp, opp, "count %d", tt.count)
	}

	prev := -1.0
	for c := 0; c <= 200; c++ {
		s, _ := Saturation(c)
		assert.GreaterOrEqual(t, s, prev, "count %d", c)
		prev = s
	}
}

func series(values ...float64) []model.TrendScore {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.TrendScore, len(values))
	for i, v := range values {
		out[i] = model.TrendScore{Score: v, ComputedAt: t0.Add(time.Duration(i) * 24 * time.Hour)}
	}
	return out
}

func TestPredictTrend(t *testing.T) {
	p, ok := PredictTrend(series(60, 70, 80))
	require.True(t, ok)
	assert.InDelta(t, 6.667, p.AvgChange, 0.001)
	assert.InDelta(t, 280, p.Predicted, 1e-9)
	assert.Equal(t, 80.0, p.Current)
	assert.Equal(t, Rising, p.Direction)

	// order is by computation time, not by slice position
	s := series(50, 48, 40)
	s[0], s[2] = s[2], s[0]
	p, ok = PredictTrend(s)
	require.True(t, ok)
	assert.Equal(t, Declining, p.Direction)
	assert.Equal(t, 40.0, p.Current)

	p, ok = PredictTrend(series(50, 51))
	require.True(t, ok)
	assert.Equal(t, Stable, p.Direction)

	_, ok = PredictTrend(series(50))
	assert.False(t, ok)
}

func monthly(year int, means map[time.Month][]float64) []model.PriceSnapshot {
	var out []model.PriceSnapshot
	for m, prices := range means {
		for i, p := range prices {
			out = append(out, model.PriceSnapshot{
				Price:   decimal.NewFromFloat(p),
				TakenAt: time.Date(year, m, 1+i, 12, 0, 0, 0, time.UTC),
			})
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetectSeasonality(t *testing.T) {
	snaps := monthly(2024, map[time.Month][]float64{
		time.March: repeat(10, 10),
		time.April: repeat(10, 10),
		time.May:   repeat(15, 10),
	})
	s, ok := DetectSeasonality(snaps)
	require.True(t, ok)
	assert.True(t, s.Seasonal)
	assert.Equal(t, time.May, s.PeakMonth)
	assert.Equal(t, 5.0, s.PriceVariance)
	assert.InDelta(t, 0.4286, s.Ratio, 0.0001)
	assert.Len(t, s.MonthlyMeans, 3)

	flat := monthly(2024, map[time.Month][]float64{
		time.March: repeat(10, 15),
		time.April: repeat(11, 15),
	})
	s, ok = DetectSeasonality(flat)
	require.True(t, ok)
	assert.False(t, s.Seasonal)

	single := monthly(2024, map[time.Month][]float64{time.March: append(repeat(5, 20), repeat(50, 10)...)})
	s, ok = DetectSeasonality(single)
	require.True(t, ok)
	assert.False(t, s.Seasonal, "one month cannot be seasonal")

	_, ok = DetectSeasonality(snaps[:29])
	assert.False(t, ok)
}

func TestTrendScoreFor(t *testing.T) {
	at := time.Now()
	p := model.CanonicalProduct{ID: uuid.New(), ReviewCount: 250, Rating: 3.5}
	ts := TrendScoreFor(p, 3, at)
	assert.Equal(t, p.ID, ts.ProductID)
	assert.InDelta(t, 87.5, ts.Score, 1e-9)
	assert.Equal(t, 2500, ts.SalesVolume)
	assert.Equal(t, 15.0, ts.Saturation)
	assert.Equal(t, at, ts.ComputedAt)

	capped := TrendScoreFor(model.CanonicalProduct{ReviewCount: 10000, Rating: 4.8}, 40, at)
	assert.Equal(t, 100.0, capped.Score)
	assert.Equal(t, 100.0, capped.Saturation)

	unrated := TrendScoreFor(model.CanonicalProduct{ReviewCount: 500}, 0, at)
	assert.Zero(t, unrated.Score)
	assert.Equal(t, 5000, unrated.SalesVolume)
}
