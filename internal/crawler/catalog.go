package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
)

const (
	catalogPageSize   = 250
	descriptionMaxLen = 500
)

var trendingStores = map[string][]string{
	"fashion":     {"gymshark.com", "fashionnova.com", "mvmt.com"},
	"electronics": {"anker.com", "wyze.com"},
	"home":        {"allbirds.com", "casper.com"},
}

// TrendingStores returns the curated list of fast-growing Shopify stores for
// a niche, or nil for an unknown niche.
func TrendingStores(niche string) []string {
	return append([]string(nil), trendingStores[strings.ToLower(niche)]...)
}

// CatalogAdapter reads a Shopify store's public products.json catalog.
type CatalogAdapter struct {
	base
}

func NewCatalogAdapter(guard *fetchguard.Guard, log *zap.Logger) *CatalogAdapter {
	return &CatalogAdapter{base: newBase("shopify", guard, log)}
}

type catalogPage struct {
	Products []json.RawMessage `json:"products"`
}

type catalogProduct struct {
	ID          looseString `json:"id"`
	Title       string      `json:"title"`
	Handle      string      `json:"handle"`
	BodyHTML    string      `json:"body_html"`
	Vendor      string      `json:"vendor"`
	ProductType string      `json:"product_type"`
	Variants    []struct {
		Price     looseString `json:"price"`
		Available *bool       `json:"available"`
	} `json:"variants"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
}

func storeRoot(target string) string {
	s := strings.TrimSpace(target)
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return strings.TrimRight(s, "/")
}

// FetchCandidates walks the catalog pages of the store named by target,
// following Link rel="next" until limit records are collected.
func (a *CatalogAdapter) FetchCandidates(ctx context.Context, target string, limit int) ([]model.RawProductRecord, error) {
	limit = clampLimit(limit)
	key := cacheKey(a.source, target)
	if recs, ok := a.cachedRecords(ctx, key); ok {
		return recs, nil
	}

	root := storeRoot(target)
	pageSize := min(limit, catalogPageSize)
	next := fmt.Sprintf("%s/products.json?limit=%d", root, pageSize)

	var recs []model.RawProductRecord
	idx := 0
	maxPages := (limit+pageSize-1)/pageSize + 1
	visited := make(map[string]bool)
	for pages := 0; next != "" && len(recs) < limit; pages++ {
		if pages >= maxPages {
			a.log.Warn("pagination stopped at page cap", zap.String("target", target), zap.Int("pages", pages))
			break
		}
		if visited[next] {
			a.log.Warn("pagination loops back to a fetched page", zap.String("target", target), zap.String("url", next))
			break
		}
		visited[next] = true

		body, hdr, err := a.fetch(ctx, target, next, "application/json")
		if err != nil {
			if len(recs) > 0 {
				// keep what earlier pages produced
				a.log.Warn("pagination stopped early", zap.String("target", target), zap.Error(err))
				break
			}
			return []model.RawProductRecord{}, err
		}

		var page catalogPage
		if err := json.Unmarshal(body, &page); err != nil || page.Products == nil {
			if err == nil {
				err = fmt.Errorf("no products array in catalog response")
			}
			if len(recs) > 0 {
				break
			}
			return []model.RawProductRecord{}, a.fail(target, KindParse, err)
		}

		if len(page.Products) == 0 {
			break
		}
		for _, raw := range page.Products {
			if len(recs) >= limit {
				break
			}
			idx++
			rec, ok := a.parseProduct(root, target, idx, raw)
			if ok {
				recs = append(recs, rec)
			}
		}
		next = nextLink(hdr, root)
	}
	if recs == nil {
		recs = []model.RawProductRecord{}
	}
	return a.done(ctx, key, target, recs), nil
}

func (a *CatalogAdapter) parseProduct(root, target string, idx int, raw json.RawMessage) (model.RawProductRecord, bool) {
	var p catalogProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		a.skip(target, idx, "undecodable product", err)
		return model.RawProductRecord{}, false
	}
	if p.Handle == "" {
		a.skip(target, idx, "missing handle", nil)
		return model.RawProductRecord{}, false
	}

	rec := model.RawProductRecord{
		Source:      a.source,
		Name:        p.Title,
		Category:    p.ProductType,
		URL:         root + "/products/" + p.Handle,
		ExternalID:  p.ID.String(),
		Vendor:      p.Vendor,
		Description: truncate(stripHTML(p.BodyHTML), descriptionMaxLen),
		Stock:       model.StockUnknown,
	}
	if rec.Name == "" {
		rec.Name = "Unknown"
	}
	if rec.Category == "" {
		rec.Category = "general"
	}
	if len(p.Variants) > 0 {
		v := p.Variants[0]
		rec.Price = ParsePrice(v.Price.String())
		if v.Available != nil {
			if *v.Available {
				rec.Stock = model.StockInStock
			} else {
				rec.Stock = model.StockOutOfStock
			}
		}
	}
	if len(p.Images) > 0 {
		rec.ImageURL = AbsoluteURL(root+"/", p.Images[0].Src)
	}
	return rec, true
}

// FetchDetail accepts "store/handle" or a full product URL.
func (a *CatalogAdapter) FetchDetail(ctx context.Context, id string) (*model.DetailRecord, error) {
	productURL := strings.TrimRight(strings.TrimSpace(id), "/")
	if !strings.Contains(productURL, "/products/") {
		i := strings.LastIndex(productURL, "/")
		if i <= 0 {
			return nil, a.fail(id, KindParse, fmt.Errorf("detail id must be store/handle"))
		}
		productURL = storeRoot(productURL[:i]) + "/products/" + productURL[i+1:]
	} else {
		productURL = storeRoot(productURL)
	}

	key := cacheKey(a.source, "product", id)
	if d, ok := a.cachedDetail(ctx, key); ok {
		return d, nil
	}

	body, _, err := a.fetch(ctx, id, productURL+".json", "application/json")
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Product *catalogProduct `json:"product"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Product == nil {
		if err == nil {
			err = fmt.Errorf("no product object")
		}
		return nil, a.fail(id, KindParse, err)
	}

	d := &model.DetailRecord{
		Source:      a.source,
		ID:          id,
		URL:         productURL,
		Description: stripHTML(wrapper.Product.BodyHTML),
	}
	a.storeDetail(ctx, key, d)
	return d, nil
}

// nextLink extracts the rel="next" target of an RFC 8288 Link header.
func nextLink(h http.Header, root string) string {
	for _, v := range h.Values("Link") {
		for _, part := range strings.Split(v, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			isNext := false
			for _, p := range segs[1:] {
				p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
				if p == `rel="next"` || p == "rel=next" {
					isNext = true
				}
			}
			if !isNext {
				continue
			}
			href := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			if href == "" {
				continue
			}
			if u, err := url.Parse(href); err == nil && !u.IsAbs() {
				return AbsoluteURL(root+"/", href)
			}
			return href
		}
	}
	return ""
}
