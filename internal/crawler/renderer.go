package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"prodintel/internal/observability"
)

const (
	defaultRenderTimeout = 45 * time.Second
	defaultSettleDelay   = 2 * time.Second
)

// Renderer loads a page in a real browser and returns the resulting DOM.
type Renderer interface {
	Render(ctx context.Context, pageURL, userAgent string) (string, error)
}

// ChromeRenderer drives headless Chrome through the DevTools protocol,
// either a local binary or a remote instance.
type ChromeRenderer struct {
	Timeout time.Duration
	Settle  time.Duration

	log         *zap.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromeRenderer attaches to remoteURL when it is set and launches a
// local headless Chrome otherwise.
func NewChromeRenderer(remoteURL string, log *zap.Logger) *ChromeRenderer {
	r := &ChromeRenderer{
		Timeout: defaultRenderTimeout,
		Settle:  defaultSettleDelay,
		log:     observability.OrNop(log).Named("chrome"),
	}
	if remoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), remoteURL)
		return r
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r
}

func (r *ChromeRenderer) Render(ctx context.Context, pageURL, userAgent string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			r.log.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()
	// the browser tab lives under the allocator, so tie it to the caller
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	var html string
	err := chromedp.Run(browserCtx,
		emulation.SetUserAgentOverride(userAgent),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("render %s: %w", pageURL, ctx.Err())
		}
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return html, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}
