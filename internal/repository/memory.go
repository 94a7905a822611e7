package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

// MemoryStore implements ProductStore and AlertStore in process memory. It
// backs dry runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	products    map[uuid.UUID]model.CanonicalProduct
	byURL       map[string]uuid.UUID
	snapshots   []model.PriceSnapshot
	competitors map[uuid.UUID][]model.CompetitorRecord
	scores      []model.TrendScore
	rules       map[uuid.UUID]model.AlertRule

	// FailUpserts makes UpsertProducts fail, for exercising error paths.
	FailUpserts error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:    make(map[uuid.UUID]model.CanonicalProduct),
		byURL:       make(map[string]uuid.UUID),
		competitors: make(map[uuid.UUID][]model.CompetitorRecord),
		rules:       make(map[uuid.UUID]model.AlertRule),
	}
}

func (m *MemoryStore) UpsertProducts(_ context.Context, products []model.CanonicalProduct) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts != nil {
		return UpsertResult{}, m.FailUpserts
	}

	var res UpsertResult
	for _, p := range products {
		id, ok := m.byURL[p.URL]
		if !ok {
			m.products[p.ID] = p
			m.byURL[p.URL] = p.ID
			res.Inserted++
			continue
		}
		cur := m.products[id]
		cur.Price = p.Price
		cur.LastUpdated = p.LastUpdated
		cur.Name = p.Name
		cur.Category = keep(p.Category, cur.Category)
		cur.ImageURL = keep(p.ImageURL, cur.ImageURL)
		cur.Description = keep(p.Description, cur.Description)
		cur.ExternalID = keep(p.ExternalID, cur.ExternalID)
		if p.Rating > 0 {
			cur.Rating = p.Rating
		}
		if p.ReviewCount > 0 {
			cur.ReviewCount = p.ReviewCount
		}
		if p.Stock != model.StockUnknown && p.Stock != "" {
			cur.Stock = p.Stock
		}
		m.products[id] = cur
		res.Updated++
	}
	return res, nil
}

func keep(next, cur string) string {
	if next != "" {
		return next
	}
	return cur
}

func (m *MemoryStore) sortedProducts() []model.CanonicalProduct {
	out := make([]model.CanonicalProduct, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (m *MemoryStore) ListProducts(context.Context) ([]model.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedProducts(), nil
}

func (m *MemoryStore) RecentProducts(_ context.Context, limit int) ([]model.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedProducts()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id uuid.UUID) (*model.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

// DeleteProduct removes the product and everything hanging off it.
func (m *MemoryStore) DeleteProduct(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	delete(m.products, id)
	delete(m.byURL, p.URL)
	delete(m.competitors, id)
	m.snapshots = filterSlice(m.snapshots, func(s model.PriceSnapshot) bool { return s.ProductID != id })
	m.scores = filterSlice(m.scores, func(s model.TrendScore) bool { return s.ProductID != id })
	for rid, r := range m.rules {
		if r.ProductID == id {
			delete(m.rules, rid)
		}
	}
	return nil
}

func filterSlice[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (m *MemoryStore) FilterProducts(_ context.Context, f ProductFilter) ([]model.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CanonicalProduct
	for _, p := range m.sortedProducts() {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Source != "" && p.Source != f.Source {
			continue
		}
		if f.MinPrice != nil && p.Price.LessThan(*f.MinPrice) {
			continue
		}
		if f.MaxPrice != nil && p.Price.GreaterThan(*f.MaxPrice) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendSnapshots(_ context.Context, snaps []model.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		if _, ok := m.products[s.ProductID]; !ok {
			return fmt.Errorf("snapshot for product %s: %w", s.ProductID, ErrNotFound)
		}
	}
	m.snapshots = append(m.snapshots, snaps...)
	return nil
}

func (m *MemoryStore) CountSnapshotsSince(ctx context.Context, productID uuid.UUID, since time.Time) (int, error) {
	list, err := m.SnapshotsSince(ctx, productID, since)
	return len(list), err
}

func (m *MemoryStore) SnapshotsSince(_ context.Context, productID uuid.UUID, since time.Time) ([]model.PriceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PriceSnapshot
	for _, s := range m.snapshots {
		if s.ProductID == productID && !s.TakenAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func (m *MemoryStore) ReplaceCompetitors(_ context.Context, productID uuid.UUID, recs []model.CompetitorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if len(recs) == 0 {
		delete(m.competitors, productID)
		return nil
	}
	cp := make([]model.CompetitorRecord, len(recs))
	for i, c := range recs {
		c.ProductID = productID
		cp[i] = c
	}
	m.competitors[productID] = cp
	return nil
}

func (m *MemoryStore) CompetitorCounts(context.Context) (map[uuid.UUID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]int, len(m.competitors))
	for id, list := range m.competitors {
		out[id] = len(list)
	}
	return out, nil
}

func (m *MemoryStore) InsertTrendScores(_ context.Context, scores []model.TrendScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, scores...)
	return nil
}

func (m *MemoryStore) TrendScoresSince(_ context.Context, productID uuid.UUID, since time.Time) ([]model.TrendScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TrendScore
	for _, s := range m.scores {
		if s.ProductID == productID && !s.ComputedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

func (m *MemoryStore) TopTrending(_ context.Context, limit int) ([]ScoredProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[uuid.UUID]model.TrendScore)
	for _, s := range m.scores {
		if cur, ok := latest[s.ProductID]; !ok || s.ComputedAt.After(cur.ComputedAt) {
			latest[s.ProductID] = s
		}
	}
	var out []ScoredProduct
	for id, s := range latest {
		if p, ok := m.products[id]; ok {
			out = append(out, ScoredProduct{Product: p, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score.Score != out[j].Score.Score {
			return out[i].Score.Score > out[j].Score.Score
		}
		return out[i].Product.URL < out[j].Product.URL
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateRule(_ context.Context, rule model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[rule.ProductID]; !ok {
		return fmt.Errorf("product %s: %w", rule.ProductID, ErrNotFound)
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id uuid.UUID) (*model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) ListRules(_ context.Context, activeOnly bool) ([]model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AlertRule
	for _, r := range m.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return m.withRule(id, func(r *model.AlertRule) { r.Active = active })
}

func (m *MemoryStore) SetThreshold(_ context.Context, id uuid.UUID, threshold *decimal.Decimal) error {
	return m.withRule(id, func(r *model.AlertRule) { r.Threshold = threshold })
}

func (m *MemoryStore) DeleteRule(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) withRule(id uuid.UUID, fn func(*model.AlertRule)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	fn(&r)
	m.rules[id] = r
	return nil
}

var (
	_ ProductStore = (*MemoryStore)(nil)
	_ AlertStore   = (*MemoryStore)(nil)
	_ ProductStore = (*ProductRepository)(nil)
	_ AlertStore   = (*AlertRepository)(nil)
)
