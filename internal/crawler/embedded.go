package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
)

const runParamsMarker = "window.runParams"

// EmbeddedJSONAdapter scrapes AliExpress search pages, whose listings ship
// as a JSON object assigned inside a script tag.
type EmbeddedJSONAdapter struct {
	base
	BaseURL string
}

func NewEmbeddedJSONAdapter(guard *fetchguard.Guard, log *zap.Logger) *EmbeddedJSONAdapter {
	return &EmbeddedJSONAdapter{
		base:    newBase("aliexpress", guard, log),
		BaseURL: "https://www.aliexpress.com",
	}
}

type runParams struct {
	Mods struct {
		ItemList struct {
			Content []json.RawMessage `json:"content"`
		} `json:"itemList"`
	} `json:"mods"`
}

type embeddedItem struct {
	ProductID looseString `json:"productId"`
	Title     struct {
		DisplayTitle string `json:"displayTitle"`
	} `json:"title"`
	Prices struct {
		SalePrice struct {
			MinPrice looseString `json:"minPrice"`
		} `json:"salePrice"`
	} `json:"prices"`
	ProductDetailURL string `json:"productDetailUrl"`
	Image            struct {
		ImgURL string `json:"imgUrl"`
	} `json:"image"`
	Evaluation struct {
		StarRating looseString `json:"starRating"`
	} `json:"evaluation"`
	Trade struct {
		TradeDesc string `json:"tradeDesc"`
	} `json:"trade"`
	Store struct {
		StoreName string `json:"storeName"`
	} `json:"store"`
}

func (a *EmbeddedJSONAdapter) FetchCandidates(ctx context.Context, category string, limit int) ([]model.RawProductRecord, error) {
	limit = clampLimit(limit)
	key := cacheKey(a.source, "trending", category)
	if recs, ok := a.cachedRecords(ctx, key); ok {
		return recs, nil
	}

	pageURL := fmt.Sprintf("%s/wholesale?SearchText=%s&SortType=total_tranpro_desc",
		strings.TrimRight(a.BaseURL, "/"), url.QueryEscape(category))
	body, _, err := a.fetch(ctx, category, pageURL, "")
	if err != nil {
		return []model.RawProductRecord{}, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return []model.RawProductRecord{}, a.fail(category, KindParse, err)
	}

	items, found := a.embeddedItems(doc, category)
	recs := make([]model.RawProductRecord, 0, min(len(items), limit))
	for i, raw := range items {
		if len(recs) >= limit {
			break
		}
		if rec, ok := a.parseItem(category, i, raw); ok {
			recs = append(recs, rec)
		}
	}

	if len(recs) == 0 {
		cards := doc.Find("div.list-item")
		if !found && cards.Length() == 0 {
			return []model.RawProductRecord{}, a.fail(category, KindParse,
				fmt.Errorf("neither %s nor list items present", runParamsMarker))
		}
		recs = a.parseCards(cards, category, limit)
	}
	return a.done(ctx, key, category, recs), nil
}

// embeddedItems finds the first script whose runParams object decodes. The
// bool reports whether such a script existed at all.
func (a *EmbeddedJSONAdapter) embeddedItems(doc *goquery.Document, target string) ([]json.RawMessage, bool) {
	var (
		items []json.RawMessage
		found bool
	)
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, runParamsMarker) {
			return true
		}
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return true
		}
		var params runParams
		if err := json.Unmarshal([]byte(text[start:end+1]), &params); err != nil {
			a.log.Debug("runParams not decodable", zap.String("target", target), zap.Error(err))
			return true
		}
		found = true
		items = params.Mods.ItemList.Content
		return false
	})
	return items, found
}

func (a *EmbeddedJSONAdapter) parseItem(category string, idx int, raw json.RawMessage) (model.RawProductRecord, bool) {
	var it embeddedItem
	if err := json.Unmarshal(raw, &it); err != nil {
		a.skip(category, idx, "undecodable item", err)
		return model.RawProductRecord{}, false
	}
	link := AbsoluteURL(a.BaseURL, it.ProductDetailURL)
	if link == "" {
		a.skip(category, idx, "missing detail url", nil)
		return model.RawProductRecord{}, false
	}
	name := it.Title.DisplayTitle
	if name == "" {
		name = "Unknown"
	}
	return model.RawProductRecord{
		Source:      a.source,
		Name:        name,
		Category:    category,
		Price:       ParsePrice(it.Prices.SalePrice.MinPrice.String()),
		URL:         link,
		ImageURL:    AbsoluteURL(a.BaseURL, it.Image.ImgURL),
		ExternalID:  it.ProductID.String(),
		Vendor:      it.Store.StoreName,
		Rating:      ParseRating(it.Evaluation.StarRating.String()),
		ReviewCount: ParseCount(it.Trade.TradeDesc),
		Stock:       model.StockInStock,
	}, true
}

func (a *EmbeddedJSONAdapter) parseCards(cards *goquery.Selection, category string, limit int) []model.RawProductRecord {
	recs := []model.RawProductRecord{}
	cards.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if len(recs) >= limit {
			return false
		}
		link := AbsoluteURL(a.BaseURL, firstAttr(s, "a.item-title", "href"))
		if link == "" {
			a.skip(category, i, "card without link", nil)
			return true
		}
		name := firstText(s, "a.item-title")
		if name == "" {
			name = "Unknown"
		}
		recs = append(recs, model.RawProductRecord{
			Source:   a.source,
			Name:     name,
			Category: category,
			Price:    ParsePrice(firstText(s, "span.price-current")),
			URL:      link,
			ImageURL: AbsoluteURL(a.BaseURL, firstAttr(s, "img", "src", "data-src")),
			Stock:    model.StockInStock,
		})
		return true
	})
	return recs
}

// FetchDetail reads /item/{id}.html.
func (a *EmbeddedJSONAdapter) FetchDetail(ctx context.Context, id string) (*model.DetailRecord, error) {
	key := cacheKey(a.source, "product", id)
	if d, ok := a.cachedDetail(ctx, key); ok {
		return d, nil
	}
	pageURL := fmt.Sprintf("%s/item/%s.html", strings.TrimRight(a.BaseURL, "/"), url.PathEscape(id))
	body, _, err := a.fetch(ctx, id, pageURL, "")
	if err != nil {
		return nil, err
	}
	desc, err := ParseDescription(body, ".product-description")
	if err != nil {
		return nil, a.fail(id, KindParse, err)
	}
	d := &model.DetailRecord{Source: a.source, ID: id, URL: pageURL, Description: desc}
	a.storeDetail(ctx, key, d)
	return d, nil
}
