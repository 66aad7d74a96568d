package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/proxy"
)

// ChromeConfig controls the headless browser factory.
type ChromeConfig struct {
	UserAgent  string
	NavTimeout time.Duration
}

// ChromeFactory launches one headless Chrome per instance; sessions are tabs
// within it. Each instance pins the proxy handed out by the rotator at
// launch time, since Chrome cannot switch proxies per tab.
type ChromeFactory struct {
	cfg     ChromeConfig
	rotator *proxy.Rotator
}

// NewChromeFactory creates the factory. rotator may be nil for direct egress.
func NewChromeFactory(cfg ChromeConfig, rotator *proxy.Rotator) *ChromeFactory {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &ChromeFactory{cfg: cfg, rotator: rotator}
}

// NewInstance implements InstanceFactory.
func (f *ChromeFactory) NewInstance(ctx context.Context) (Instance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)

	var prx proxy.Proxy
	usingProxy := false
	if f.rotator != nil {
		if p, ok := f.rotator.Next(ctx); ok {
			opts = append(opts, chromedp.ProxyServer(p.URL))
			prx = p
			usingProxy = true
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Materialize the browser process now so failures surface at pool build.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &chromeInstance{
		factory:       f,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		prx:           prx,
		usingProxy:    usingProxy,
	}, nil
}

type chromeInstance struct {
	factory       *ChromeFactory
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	prx           proxy.Proxy
	usingProxy    bool
}

// NewSession opens a new tab in the instance's browser.
func (i *chromeInstance) NewSession(_ context.Context) (harvest.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(i.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromeSession{inst: i, tabCtx: tabCtx, tabCancel: tabCancel}, nil
}

// Close shuts down the browser and its allocator.
func (i *chromeInstance) Close() error {
	i.browserCancel()
	i.allocCancel()
	return nil
}

type chromeSession struct {
	inst      *chromeInstance
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

// Navigate loads the URL in this tab and returns the rendered DOM. A hard
// navigation timeout converts a hang into a classified timeout error.
func (s *chromeSession) Navigate(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	navCtx, cancel := context.WithTimeout(s.tabCtx, s.inst.factory.cfg.NavTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	actions := []chromedp.Action{
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	start := time.Now()
	err := chromedp.Run(navCtx, actions...)
	if s.inst.usingProxy && s.inst.factory.rotator != nil {
		s.inst.factory.rotator.RecordResult(s.inst.prx.ID, err == nil, time.Since(start))
	}
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return "", harvest.Errorf(harvest.ErrKindTimeout, "navigate %s: %w", url, err)
		}
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	return html, nil
}

func (s *chromeSession) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := s.inst.factory.cfg.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close closes the tab.
func (s *chromeSession) Close() error {
	s.tabCancel()
	return nil
}
