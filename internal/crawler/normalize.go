package crawler

import (
	"bytes"
	"encoding/json"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

var (
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
	numberRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	countRe  = regexp.MustCompile(`\d[\d,.]*`)
)

func stripHTML(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ParsePrice takes the first number in a scraped price label
// ("$1,299.99", "US $12.50 to $15.00"). Anything unparsable, or negative,
// becomes zero.
func ParsePrice(raw string) decimal.Decimal {
	m := numberRe.FindString(raw)
	if m == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d.Round(2)
}

// ParseCount reads labels such as "12,345", "1.2K+ sold" or "(87)".
func ParseCount(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	m := countRe.FindString(s)
	if m == "" {
		return 0
	}
	mult := 1.0
	rest := strings.TrimSpace(s[strings.Index(s, m)+len(m):])
	switch {
	case strings.HasPrefix(rest, "k"):
		mult = 1_000
	case strings.HasPrefix(rest, "m"):
		mult = 1_000_000
	}
	if mult == 1 {
		m = strings.ReplaceAll(strings.ReplaceAll(m, ",", ""), ".", "")
	} else {
		m = strings.ReplaceAll(m, ",", "")
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(math.Round(f * mult))
}

// ParseRating reads the leading number of "4.5 out of 5 stars".
func ParseRating(raw string) float64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", "."), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// AbsoluteURL resolves ref against base. Protocol-relative references get
// https. An empty or unparsable ref yields "".
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(r).String()
}

// NormalizeStock maps source vocabulary onto the canonical stock states.
func NormalizeStock(raw string) model.StockState {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	switch {
	case s == "":
		return model.StockUnknown
	case s == "sold" || strings.HasPrefix(s, "sold on") || s == "ended" || s == "completed":
		return model.StockSold
	case strings.Contains(s, "out of stock") || strings.Contains(s, "sold out") ||
		strings.Contains(s, "unavailable") || s == "outofstock" || s == "false":
		return model.StockOutOfStock
	case strings.Contains(s, "low") || strings.Contains(s, "limited") ||
		strings.HasPrefix(s, "only ") || strings.Contains(s, "few left"):
		return model.StockLow
	case strings.Contains(s, "in stock") || s == "instock" || s == "available" || s == "true":
		return model.StockInStock
	}
	return model.StockUnknown
}

// looseString accepts a JSON string, number or bool. Scraped payloads are
// not consistent about which one they send.
type looseString string

func (l *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*l = looseString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*l = looseString(strconv.FormatBool(v))
	return nil
}

func (l looseString) String() string { return string(l) }
