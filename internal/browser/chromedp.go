package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// ChromedpLauncher starts headless Chrome processes with the proxy set at the
// transport layer through the proxy-server flag. Proxy credentials are not
// part of the flag; tabs answer auth challenges themselves.
type ChromedpLauncher struct {
	UserAgent string
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// Headful disables headless mode (debugging).
	Headful bool
}

// Launch implements Launcher.
func (l ChromedpLauncher) Launch(ctx context.Context, proxy crawler.Proxy) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if l.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if l.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.UserAgent))
	}
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}
	if !proxy.Direct() {
		opts = append(opts, chromedp.ProxyServer("http://"+proxy.Address()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (b *chromeBrowser) Context() context.Context {
	return b.ctx
}

func (b *chromeBrowser) Ping(ctx context.Context) error {
	tab, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()
	if err := chromedp.Run(tab, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("ping browser: %w", err)
	}
	return nil
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil {
		return fmt.Errorf("cancel browser: %w", err)
	}
	return nil
}
