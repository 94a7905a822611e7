package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodintel/internal/model"
	"prodintel/internal/repository"
)

type recordingNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Send(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func addProduct(t *testing.T, store *repository.MemoryStore, name, price string) model.CanonicalProduct {
	t.Helper()
	p := model.CanonicalProduct{
		ID:          uuid.New(),
		Name:        name,
		Price:       decimal.RequireFromString(price),
		URL:         "https://shop.example/" + uuid.NewString(),
		Source:      "amazon",
		Stock:       model.StockInStock,
		FirstSeen:   time.Now(),
		LastUpdated: time.Now(),
	}
	_, err := store.UpsertProducts(context.Background(), []model.CanonicalProduct{p})
	require.NoError(t, err)
	return p
}

func threshold(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestRuleService_Create(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewRuleService(store, nil)
	p := addProduct(t, store, "Desk Lamp", "25")

	rule, err := svc.Create(ctx, p.ID, model.AlertPriceDrop, threshold("20"))
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, p.ID, rule.ProductID)

	_, err = svc.Create(ctx, p.ID, "price_spike", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = svc.Create(ctx, uuid.New(), model.AlertNewViral, nil)
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = svc.Create(ctx, p.ID, model.AlertPriceDrop, threshold("-1"))
	assert.ErrorAs(t, err, &verr)

	rules, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestRuleService_Mutations(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewRuleService(store, nil)
	p := addProduct(t, store, "Desk Lamp", "25")
	rule, err := svc.Create(ctx, p.ID, model.AlertPriceDrop, nil)
	require.NoError(t, err)

	require.NoError(t, svc.SetActive(ctx, rule.ID, false))
	active, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, svc.UpdateThreshold(ctx, rule.ID, threshold("9.99")))
	got, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "9.99", got.Threshold.String())

	require.NoError(t, svc.Delete(ctx, rule.ID))
	assert.ErrorIs(t, svc.Delete(ctx, rule.ID), ErrRuleNotFound)
	assert.ErrorIs(t, svc.SetActive(ctx, uuid.New(), true), ErrRuleNotFound)
}

func TestEvaluator_PriceDropIsInclusive(t *testing.T) {
	tests := []struct {
		price string
		fires bool
	}{
		{"19.99", true},
		{"20.00", true},
		{"20.01", false},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewMemoryStore()
			p := addProduct(t, store, "Standing Desk Converter", tt.price)
			_, err := NewRuleService(store, nil).Create(ctx, p.ID, model.AlertPriceDrop, threshold("20.00"))
			require.NoError(t, err)

			n := &recordingNotifier{name: "test"}
			rep, err := NewEvaluator(store, store, EvaluatorOptions{Notifiers: []Notifier{n}}).Check(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Checked)
			if !tt.fires {
				assert.Zero(t, rep.Fired)
				assert.Empty(t, n.sent)
				return
			}
			require.Len(t, rep.Events, 1)
			assert.Equal(t, p.ID, rep.Events[0].ProductID)
			assert.Contains(t, rep.Events[0].Message, "$"+tt.price)
			assert.Len(t, n.sent, 1)
		})
	}
}

func TestEvaluator_PriceDropWithoutThresholdNeverFires(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := addProduct(t, store, "Free Sample", "0")
	_, err := NewRuleService(store, nil).Create(ctx, p.ID, model.AlertPriceDrop, nil)
	require.NoError(t, err)

	rep, err := NewEvaluator(store, store, EvaluatorOptions{}).Check(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fired)
}

func TestEvaluator_NewViral(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	snapshots := func(p model.CanonicalProduct, n int) {
		var snaps []model.PriceSnapshot
		for i := 0; i < n; i++ {
			snaps = append(snaps, model.PriceSnapshot{ID: uuid.New(), ProductID: p.ID, Price: p.Price,
				TakenAt: now.Add(-time.Duration(i) * 6 * time.Hour)})
		}
		// outside the window
		snaps = append(snaps, model.PriceSnapshot{ID: uuid.New(), ProductID: p.ID, TakenAt: now.Add(-8 * 24 * time.Hour)})
		require.NoError(t, store.AppendSnapshots(ctx, snaps))
	}
	hot := addProduct(t, store, "Cloud Slides", "15")
	warm := addProduct(t, store, "Knit Beanie", "12")
	snapshots(hot, 11)
	snapshots(warm, 10)

	svc := NewRuleService(store, nil)
	_, err := svc.Create(ctx, hot.ID, model.AlertNewViral, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, warm.ID, model.AlertNewViral, nil)
	require.NoError(t, err)

	ev := NewEvaluator(store, store, EvaluatorOptions{})
	ev.now = func() time.Time { return now }
	rep, err := ev.Check(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, hot.ID, rep.Events[0].ProductID)
	assert.Equal(t, model.AlertNewViral, rep.Events[0].Kind)
}

func TestEvaluator_LowSaturation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	rare := addProduct(t, store, "Hand Carved Chess Set", "80")
	crowded := addProduct(t, store, "Phone Case", "5")
	for i := 0; i < 5; i++ {
		addProduct(t, store, "Phone Case Clear", "4")
	}

	svc := NewRuleService(store, nil)
	_, err := svc.Create(ctx, rare.ID, model.AlertLowSaturation, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, crowded.ID, model.AlertLowSaturation, nil)
	require.NoError(t, err)

	rep, err := NewEvaluator(store, store, EvaluatorOptions{}).Check(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, rare.ID, rep.Events[0].ProductID)
	assert.Contains(t, rep.Events[0].Message, "only 0 competitors")
}

func TestEvaluator_FailingNotifierIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewRuleService(store, nil)
	for i := 0; i < 3; i++ {
		p := addProduct(t, store, "Item "+uuid.NewString(), "1")
		_, err := svc.Create(ctx, p.ID, model.AlertPriceDrop, threshold("5"))
		require.NoError(t, err)
	}

	broken := &recordingNotifier{name: "broken", err: errors.New("bot blocked")}
	ok := &recordingNotifier{name: "ok"}
	rep, err := NewEvaluator(store, store, EvaluatorOptions{Notifiers: []Notifier{broken, ok}}).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Fired)
	assert.Len(t, broken.sent, 3)
	assert.Len(t, ok.sent, 3)
}

func TestEvaluator_SuppressionUntilResolved(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := addProduct(t, store, "Air Fryer", "49.00")
	_, err := NewRuleService(store, nil).Create(ctx, p.ID, model.AlertPriceDrop, threshold("50"))
	require.NoError(t, err)

	n := &recordingNotifier{name: "test"}
	ev := NewEvaluator(store, store, EvaluatorOptions{Notifiers: []Notifier{n}, Suppressor: NewMemorySuppressor(time.Hour)})

	rep, err := ev.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fired)

	rep, err = ev.Check(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fired)
	assert.Equal(t, 1, rep.Suppressed)

	// price recovers, then drops again
	p.Price = decimal.RequireFromString("60")
	_, err = store.UpsertProducts(ctx, []model.CanonicalProduct{p})
	require.NoError(t, err)
	_, err = ev.Check(ctx)
	require.NoError(t, err)

	p.Price = decimal.RequireFromString("45")
	_, err = store.UpsertProducts(ctx, []model.CanonicalProduct{p})
	require.NoError(t, err)
	rep, err = ev.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, n.sent, 2)
}

func TestEvaluator_WithoutSuppressionRefires(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := addProduct(t, store, "Air Fryer", "49.00")
	_, err := NewRuleService(store, nil).Create(ctx, p.ID, model.AlertPriceDrop, threshold("50"))
	require.NoError(t, err)

	ev := NewEvaluator(store, store, EvaluatorOptions{})
	for i := 0; i < 3; i++ {
		rep, err := ev.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Fired)
	}
}

func TestMemorySuppressor_Expires(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySuppressor(time.Minute)
	t0 := time.Now()
	s.now = func() time.Time { return t0 }

	ok, _ := s.Acquire(ctx, "r1")
	assert.True(t, ok)
	ok, _ = s.Acquire(ctx, "r1")
	assert.False(t, ok)

	s.now = func() time.Time { return t0.Add(2 * time.Minute) }
	ok, _ = s.Acquire(ctx, "r1")
	assert.True(t, ok)
}

func TestTelegramNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42", nil)
	n.BaseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), "Price drop: <Lamp> & co"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "Price drop: &lt;Lamp&gt; &amp; co", got["text"])
}

func TestTelegramNotifier_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"ok":false,"description":"bot was blocked by the user"}`)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42", nil)
	n.BaseURL = srv.URL
	err := n.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestEmailNotifier(t *testing.T) {
	var got mail.SGMailV3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewEmailNotifier("SG.key", "alerts@shop.example", "me@shop.example", nil)
	n.BaseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), "Opportunity: Lamp"))
	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "me@shop.example", got.Personalizations[0].To[0].Address)
	assert.Equal(t, "alerts@shop.example", got.From.Address)
	require.Len(t, got.Content, 1)
	assert.Equal(t, "text/plain", got.Content[0].Type)
	assert.Equal(t, "Opportunity: Lamp", got.Content[0].Value)
}

func TestEmailNotifier_RejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"forbidden"}]}`, http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewEmailNotifier("SG.bad", "alerts@shop.example", "me@shop.example", nil)
	n.BaseURL = srv.URL
	err := n.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNotifiers_UnconfiguredAreNoops(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, NewTelegramNotifier("", "", nil).Send(ctx, "x"))
	assert.NoError(t, NewEmailNotifier("", "", "", nil).Send(ctx, "x"))
}
