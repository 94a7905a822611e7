package crawler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"prodintel/internal/model"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$19.99", "19.99"},
		{"US $1,299.50", "1299.5"},
		{"$12.50 to $15.00", "12.5"},
		{"EUR 7", "7"},
		{"free", "0"},
		{"", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePrice(tt.in).String())
		})
	}
}

func TestParseCount(t *testing.T) {
	assert.Equal(t, 12345, ParseCount("12,345"))
	assert.Equal(t, 1000, ParseCount("1,000+ sold"))
	assert.Equal(t, 1200, ParseCount("1.2K+ sold"))
	assert.Equal(t, 87, ParseCount("(87)"))
	assert.Equal(t, 0, ParseCount("no reviews"))
}

func TestNormalizeStock(t *testing.T) {
	tests := map[string]model.StockState{
		"In Stock":             model.StockInStock,
		"in_stock":             model.StockInStock,
		"Out of stock":         model.StockOutOfStock,
		"SOLD OUT":             model.StockOutOfStock,
		"Only 3 left in stock": model.StockLow,
		"low_stock":            model.StockLow,
		"sold":                 model.StockSold,
		"":                     model.StockUnknown,
		"ships in 2 weeks":     model.StockUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStock(in), in)
	}
}

func TestAbsoluteURL(t *testing.T) {
	assert.Equal(t, "https://cdn.x.com/a.jpg", AbsoluteURL("https://shop.com", "//cdn.x.com/a.jpg"))
	assert.Equal(t, "https://shop.com/itm/1", AbsoluteURL("https://shop.com/sch/i.html", "/itm/1"))
	assert.Equal(t, "http://other.com/x", AbsoluteURL("https://shop.com", "http://other.com/x"))
	assert.Equal(t, "", AbsoluteURL("https://shop.com", "  "))
	assert.Equal(t, "", AbsoluteURL("not a base", "/x"))
}

func TestStripHTMLAndTruncate(t *testing.T) {
	assert.Equal(t, "Hello world", stripHTML("<p>Hello</p>\n<b>world</b>"))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "héllo", truncate("héllo", 10))
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://s.com/products.json?page_info=a>; rel="previous", <https://s.com/products.json?page_info=b>; rel="next"`)
	assert.Equal(t, "https://s.com/products.json?page_info=b", nextLink(h, "https://s.com"))
	assert.Equal(t, "", nextLink(http.Header{}, "https://s.com"))
}
