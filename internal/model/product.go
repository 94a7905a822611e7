package model

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type StockState string

const (
	StockInStock    StockState = "in_stock"
	StockOutOfStock StockState = "out_of_stock"
	StockLow        StockState = "low_stock"
	StockSold       StockState = "sold"
	StockUnknown    StockState = "unknown"
)

// RawProductRecord is a listing as produced by a source adapter, already
// normalized field by field but not yet reconciled with stored products.
type RawProductRecord struct {
	Source      string          `json:"source"`
	Name        string          `json:"name"`
	Category    string          `json:"category,omitempty"`
	Price       decimal.Decimal `json:"price"`
	URL         string          `json:"url"`
	ImageURL    string          `json:"image_url,omitempty"`
	Description string          `json:"description,omitempty"`
	ExternalID  string          `json:"external_id,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	Rating      float64         `json:"rating,omitempty"`
	ReviewCount int             `json:"review_count,omitempty"`
	Stock       StockState      `json:"stock_state"`
}

// DetailRecord carries the extra fields a product page exposes.
type DetailRecord struct {
	Source      string `json:"source"`
	ID          string `json:"id"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type CanonicalProduct struct {
	ID          uuid.UUID
	Name        string
	Category    string
	Price       decimal.Decimal
	URL         string
	Source      string
	ImageURL    string
	Description string
	ExternalID  string
	Rating      float64
	ReviewCount int
	Stock       StockState
	FirstSeen   time.Time
	LastUpdated time.Time
}

type PriceSnapshot struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Price     decimal.Decimal
	Source    string
	TakenAt   time.Time
}

type CompetitorRecord struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Vendor    string
	Price     decimal.Decimal
	URL       string
	Stock     StockState
	Rating    float64
	ScrapedAt time.Time
}

type TrendScore struct {
	ID             uuid.UUID
	ProductID      uuid.UUID
	Score          float64
	SalesVolume    int
	Saturation     float64
	MarginEstimate *decimal.Decimal
	ComputedAt     time.Time
}

// Column bounds of the products and competitors tables.
const (
	MaxNameLen     = 500
	MaxCategoryLen = 200
	MaxSourceLen   = 50
	MaxVendorLen   = 200
	MaxExternalLen = 64
	MaxRating      = 5.0
	MaxReviewCount = math.MaxInt32
)

// MaxPrice is the largest price a NUMERIC(10,2) column holds.
var MaxPrice = decimal.RequireFromString("99999999.99")

// ClampRating bounds a star rating to [0, MaxRating].
func ClampRating(r float64) float64 {
	switch {
	case math.IsNaN(r) || r < 0:
		return 0
	case r > MaxRating:
		return MaxRating
	}
	return r
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
