package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
)

const bestsellerItems = "div.zg-grid-general-faceout, #gridItemRoot"

// RenderedAdapter scrapes Amazon bestseller lists, which only carry their
// items once scripts have run, so pages go through a Renderer.
type RenderedAdapter struct {
	base
	BaseURL  string
	Renderer Renderer
}

func NewRenderedAdapter(guard *fetchguard.Guard, renderer Renderer, log *zap.Logger) *RenderedAdapter {
	return &RenderedAdapter{
		base:     newBase("amazon", guard, log),
		BaseURL:  "https://www.amazon.com",
		Renderer: renderer,
	}
}

func (a *RenderedAdapter) render(ctx context.Context, target, pageURL string) (*goquery.Document, error) {
	if a.Renderer == nil {
		return nil, a.fail(target, KindTransient, fmt.Errorf("no renderer configured"))
	}
	if err := a.guard.Acquire(ctx, a.source); err != nil {
		return nil, a.fail(target, KindTransient, err)
	}
	html, err := a.Renderer.Render(ctx, pageURL, a.guard.UserAgent())
	if err != nil {
		return nil, a.fail(target, KindTransient, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, a.fail(target, KindParse, err)
	}
	return doc, nil
}

func (a *RenderedAdapter) FetchCandidates(ctx context.Context, category string, limit int) ([]model.RawProductRecord, error) {
	limit = clampLimit(limit)
	key := cacheKey(a.source, "bestsellers", category)
	if recs, ok := a.cachedRecords(ctx, key); ok {
		return recs, nil
	}

	root := strings.TrimRight(a.BaseURL, "/")
	slug := url.PathEscape(category)
	doc, err := a.render(ctx, category, fmt.Sprintf("%s/Best-Sellers-%s/zgbs/%s", root, slug, slug))
	if err != nil {
		return []model.RawProductRecord{}, err
	}

	items := doc.Find(bestsellerItems)
	if items.Length() == 0 && doc.Find("#zg, #zg-right-col, [class*='p13n-gridRow']").Length() == 0 {
		return []model.RawProductRecord{}, a.fail(category, KindParse, fmt.Errorf("no bestseller grid in page"))
	}

	recs := []model.RawProductRecord{}
	items.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if len(recs) >= limit {
			return false
		}
		if rec, ok := a.parseItem(category, i, s); ok {
			recs = append(recs, rec)
		}
		return true
	})
	return a.done(ctx, key, category, recs), nil
}

func (a *RenderedAdapter) parseItem(category string, idx int, s *goquery.Selection) (model.RawProductRecord, bool) {
	href := firstAttr(s, "a.a-link-normal", "href")
	link := AbsoluteURL(a.BaseURL, href)
	if link == "" {
		a.skip(category, idx, "missing link", nil)
		return model.RawProductRecord{}, false
	}
	name := firstText(s, "._cDEzb_p13n-sc-css-line-clamp-3_g3dy1", "[class*='line-clamp']", "a.a-link-normal")
	if name == "" {
		name = "Unknown"
	}
	return model.RawProductRecord{
		Source:      a.source,
		Name:        name,
		Category:    category,
		Price:       ParsePrice(firstText(s, ".a-price .a-offscreen", "span.a-price-whole", "._cDEzb_p13n-sc-price_3mJ9Z", ".p13n-sc-price")),
		URL:         link,
		ExternalID:  asinFrom(link),
		ImageURL:    AbsoluteURL(a.BaseURL, firstAttr(s, "img", "src", "data-src")),
		Rating:      ParseRating(firstText(s, "span.a-icon-alt")),
		ReviewCount: ParseCount(firstText(s, "span.a-size-small")),
		Stock:       model.StockInStock,
	}, true
}

func asinFrom(link string) string {
	_, after, ok := strings.Cut(link, "/dp/")
	if !ok {
		return ""
	}
	asin, _, _ := strings.Cut(after, "/")
	asin, _, _ = strings.Cut(asin, "?")
	return asin
}

// FetchDetail renders /dp/{asin} and reads the feature bullets.
func (a *RenderedAdapter) FetchDetail(ctx context.Context, asin string) (*model.DetailRecord, error) {
	key := cacheKey(a.source, "product", asin)
	if d, ok := a.cachedDetail(ctx, key); ok {
		return d, nil
	}
	pageURL := fmt.Sprintf("%s/dp/%s", strings.TrimRight(a.BaseURL, "/"), url.PathEscape(asin))
	doc, err := a.render(ctx, asin, pageURL)
	if err != nil {
		return nil, err
	}
	var lines []string
	doc.Find("#feature-bullets li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			lines = append(lines, spaceRe.ReplaceAllString(t, " "))
		}
	})
	if len(lines) == 0 {
		if t := strings.TrimSpace(doc.Find("#feature-bullets").Text()); t != "" {
			lines = append(lines, spaceRe.ReplaceAllString(t, " "))
		}
	}
	d := &model.DetailRecord{Source: a.source, ID: asin, URL: pageURL, Description: strings.Join(lines, "\n")}
	a.storeDetail(ctx, key, d)
	return d, nil
}
