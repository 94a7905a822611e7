package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
	"prodintel/internal/observability"
)

const maxBodyBytes = 8 << 20

// base carries what every adapter shares: its source name, the guard and a
// logger.
type base struct {
	source string
	guard  *fetchguard.Guard
	log    *zap.Logger
}

func newBase(source string, guard *fetchguard.Guard, log *zap.Logger) base {
	return base{
		source: source,
		guard:  guard,
		log:    observability.OrNop(log).Named(source),
	}
}

func (b *base) Source() string { return b.source }

func (b *base) fail(target string, kind ErrorKind, err error) *FetchError {
	return &FetchError{Source: b.source, Target: target, Kind: kind, Err: err}
}

// fetch waits for the limiter, sends a GET with a fresh identity and returns
// the body as UTF-8. Every failure comes back as a transient *FetchError.
func (b *base) fetch(ctx context.Context, target, rawURL string, accept string) ([]byte, http.Header, error) {
	if err := b.guard.Acquire(ctx, b.source); err != nil {
		return nil, nil, b.fail(target, KindTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, b.fail(target, KindTransient, fmt.Errorf("build request for %s: %w", rawURL, err))
	}
	req.Header = b.guard.RotateIdentity()
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := b.guard.Client().Do(req)
	if err != nil {
		observability.FetchRequestsTotal.WithLabelValues(b.source, "error").Inc()
		return nil, nil, b.fail(target, KindTransient, fmt.Errorf("fetch %s: %w", rawURL, err))
	}
	defer resp.Body.Close()
	observability.FetchRequestsTotal.WithLabelValues(b.source, observability.ClassifyStatus(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, b.fail(target, KindTransient, fmt.Errorf("status %d for %s", resp.StatusCode, rawURL))
	}

	var body io.Reader = io.LimitReader(resp.Body, maxBodyBytes)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "html") {
		r, err := charset.NewReader(body, ct)
		if err != nil {
			b.log.Warn("unknown charset, reading raw", zap.String("content_type", ct), zap.Error(err))
		} else {
			body = r
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, b.fail(target, KindTransient, fmt.Errorf("read %s: %w", rawURL, err))
	}
	return data, resp.Header, nil
}

func (b *base) cachedRecords(ctx context.Context, key string) ([]model.RawProductRecord, bool) {
	data, ok := b.guard.CacheGet(ctx, key)
	if !ok {
		return nil, false
	}
	var recs []model.RawProductRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		b.log.Warn("discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return recs, true
}

// done caches a non-empty result and counts it.
func (b *base) done(ctx context.Context, key, target string, recs []model.RawProductRecord) []model.RawProductRecord {
	observability.ScrapedRecordsTotal.WithLabelValues(b.source).Add(float64(len(recs)))
	b.log.Info("fetched candidates", zap.String("target", target), zap.Int("count", len(recs)))
	if len(recs) == 0 {
		return recs
	}
	data, err := json.Marshal(recs)
	if err != nil {
		b.log.Warn("could not cache result", zap.String("key", key), zap.Error(err))
		return recs
	}
	b.guard.CacheSet(ctx, key, data)
	return recs
}

func (b *base) cachedDetail(ctx context.Context, key string) (*model.DetailRecord, bool) {
	data, ok := b.guard.CacheGet(ctx, key)
	if !ok {
		return nil, false
	}
	var d model.DetailRecord
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (b *base) storeDetail(ctx context.Context, key string, d *model.DetailRecord) {
	if d == nil {
		return
	}
	if data, err := json.Marshal(d); err == nil {
		b.guard.CacheSet(ctx, key, data)
	}
}

// skip logs a single unusable item. Scrapes carry on past it.
func (b *base) skip(target string, idx int, reason string, err error) {
	fields := []zap.Field{zap.String("target", target), zap.Int("item", idx), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.log.Debug("skipping item", fields...)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

func cacheKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "_"))
}
