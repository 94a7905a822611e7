// Package report writes CSV exports of stored products and optionally ships
// them to object storage.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/model"
	"prodintel/internal/observability"
	"prodintel/internal/repository"
)

const WeeklyLimit = 100

// Uploader stores a finished export somewhere outside the local disk and
// returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) (string, error)
}

type Export struct {
	File     string `json:"file"`
	Location string `json:"location,omitempty"`
	Rows     int    `json:"rows"`
}

type Filter struct {
	Category string
	Source   string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
}

type Exporter struct {
	store    repository.ProductStore
	dir      string
	uploader Uploader
	log      *zap.Logger
	now      func() time.Time
}

// NewExporter writes into dir. uploader may be nil.
func NewExporter(store repository.ProductStore, dir string, uploader Uploader, log *zap.Logger) *Exporter {
	if dir == "" {
		dir = "exports"
	}
	return &Exporter{
		store:    store,
		dir:      dir,
		uploader: uploader,
		log:      observability.OrNop(log).Named("report"),
		now:      time.Now,
	}
}

var weeklyHeader = []string{
	"id", "name", "category", "price", "source", "trend_score", "estimated_volume",
	"saturation", "margin", "rating", "reviews", "url",
}

// Weekly exports the top products by latest trend score.
func (e *Exporter) Weekly(ctx context.Context) (Export, error) {
	top, err := e.store.TopTrending(ctx, WeeklyLimit)
	if err != nil {
		return Export{}, fmt.Errorf("load top trending: %w", err)
	}
	rows := make([][]string, 0, len(top))
	for _, sp := range top {
		p, s := sp.Product, sp.Score
		margin := "0"
		if s.MarginEstimate != nil {
			margin = s.MarginEstimate.StringFixed(2)
		}
		rows = append(rows, []string{
			p.ID.String(),
			p.Name,
			p.Category,
			p.Price.StringFixed(2),
			p.Source,
			formatFloat(s.Score),
			strconv.Itoa(s.SalesVolume),
			formatFloat(s.Saturation),
			margin,
			formatFloat(p.Rating),
			strconv.Itoa(p.ReviewCount),
			p.URL,
		})
	}
	return e.write(ctx, "weekly_report", weeklyHeader, rows)
}

var customHeader = []string{
	"id", "name", "category", "price", "source", "rating", "reviews", "url", "last_updated",
}

// Custom exports every product matching f.
func (e *Exporter) Custom(ctx context.Context, f Filter) (Export, error) {
	products, err := e.store.FilterProducts(ctx, repository.ProductFilter{
		Category: f.Category,
		Source:   f.Source,
		MinPrice: f.MinPrice,
		MaxPrice: f.MaxPrice,
	})
	if err != nil {
		return Export{}, fmt.Errorf("filter products: %w", err)
	}
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		rows = append(rows, productRow(p))
	}
	return e.write(ctx, "custom_export", customHeader, rows)
}

func productRow(p model.CanonicalProduct) []string {
	return []string{
		p.ID.String(),
		p.Name,
		p.Category,
		p.Price.StringFixed(2),
		p.Source,
		formatFloat(p.Rating),
		strconv.Itoa(p.ReviewCount),
		p.URL,
		p.LastUpdated.UTC().Format("2006-01-02 15:04:05"),
	}
}

func (e *Exporter) write(ctx context.Context, prefix string, header []string, rows [][]string) (Export, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return Export{}, err
	}
	if err := w.WriteAll(rows); err != nil {
		return Export{}, fmt.Errorf("encode csv: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Export{}, fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.csv", prefix, e.now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return Export{}, fmt.Errorf("write %s: %w", path, err)
	}
	out := Export{File: path, Rows: len(rows)}
	e.log.Info("export written", zap.String("file", path), zap.Int("rows", len(rows)))

	if e.uploader != nil {
		loc, err := e.uploader.Upload(ctx, "exports/"+name, buf.Bytes())
		if err != nil {
			return out, fmt.Errorf("upload %s: %w", name, err)
		}
		out.Location = loc
		e.log.Info("export uploaded", zap.String("location", loc))
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
