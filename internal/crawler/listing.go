package crawler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
)

var itemIDRe = regexp.MustCompile(`/itm/(?:[^/]+/)?(\d+)`)

// ListingAdapter reads eBay's completed-and-sold search results.
type ListingAdapter struct {
	base
	BaseURL string
}

func NewListingAdapter(guard *fetchguard.Guard, log *zap.Logger) *ListingAdapter {
	return &ListingAdapter{
		base:    newBase("ebay", guard, log),
		BaseURL: "https://www.ebay.com",
	}
}

func (a *ListingAdapter) FetchCandidates(ctx context.Context, keyword string, limit int) ([]model.RawProductRecord, error) {
	limit = clampLimit(limit)
	key := cacheKey(a.source, "sold", keyword)
	if recs, ok := a.cachedRecords(ctx, key); ok {
		return recs, nil
	}

	pageURL := fmt.Sprintf("%s/sch/i.html?_nkw=%s&LH_Sold=1&LH_Complete=1&_sop=13",
		strings.TrimRight(a.BaseURL, "/"), url.QueryEscape(keyword))
	body, _, err := a.fetch(ctx, keyword, pageURL, "")
	if err != nil {
		return []model.RawProductRecord{}, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return []model.RawProductRecord{}, a.fail(keyword, KindParse, err)
	}

	items := doc.Find("li.s-item")
	if items.Length() == 0 && doc.Find(".srp-results, #srp-river-results").Length() == 0 {
		return []model.RawProductRecord{}, a.fail(keyword, KindParse, fmt.Errorf("no result list in page"))
	}

	recs := []model.RawProductRecord{}
	items.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if len(recs) >= limit {
			return false
		}
		if rec, ok := a.parseItem(keyword, i, s); ok {
			recs = append(recs, rec)
		}
		return true
	})
	return a.done(ctx, key, keyword, recs), nil
}

func (a *ListingAdapter) parseItem(keyword string, idx int, s *goquery.Selection) (model.RawProductRecord, bool) {
	title := firstText(s, ".s-item__title")
	title = strings.TrimSpace(strings.TrimPrefix(title, "New Listing"))
	if title == "Shop on eBay" {
		a.skip(keyword, idx, "placeholder", nil)
		return model.RawProductRecord{}, false
	}
	link := AbsoluteURL(a.BaseURL, firstAttr(s, "a.s-item__link", "href"))
	if link == "" {
		a.skip(keyword, idx, "missing link", nil)
		return model.RawProductRecord{}, false
	}
	if title == "" {
		title = "Unknown"
	}

	rec := model.RawProductRecord{
		Source:   a.source,
		Name:     title,
		Category: keyword,
		Price:    ParsePrice(firstText(s, ".s-item__price")),
		URL:      link,
		ImageURL: AbsoluteURL(a.BaseURL, firstAttr(s, "img", "src", "data-src")),
		Vendor:   firstText(s, ".s-item__seller-info-text"),
		Stock:    model.StockSold,
	}
	if m := itemIDRe.FindStringSubmatch(link); m != nil {
		rec.ExternalID = m[1]
	}
	sold := firstText(s, ".s-item__endedDate", ".s-item__caption--signal", ".s-item__title--tagblock .POSITIVE")
	sold = strings.TrimSpace(strings.TrimPrefix(sold, "Sold"))
	rec.Description = strings.TrimSpace("Sold on " + sold)
	return rec, true
}

func (a *ListingAdapter) FetchDetail(ctx context.Context, id string) (*model.DetailRecord, error) {
	key := cacheKey(a.source, "product", id)
	if d, ok := a.cachedDetail(ctx, key); ok {
		return d, nil
	}
	pageURL := fmt.Sprintf("%s/itm/%s", strings.TrimRight(a.BaseURL, "/"), url.PathEscape(id))
	body, _, err := a.fetch(ctx, id, pageURL, "")
	if err != nil {
		return nil, err
	}
	desc, err := ParseDescription(body, "#viTabs_0_is, .x-about-this-item, #desc_div")
	if err != nil {
		return nil, a.fail(id, KindParse, err)
	}
	if desc == "" {
		if doc, err := parseDocument(body); err == nil {
			desc = firstAttr(doc.Selection, `meta[name="description"]`, "content")
		}
	}
	d := &model.DetailRecord{Source: a.source, ID: id, URL: pageURL, Description: desc}
	a.storeDetail(ctx, key, d)
	return d, nil
}
