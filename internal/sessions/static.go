package sessions

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/proxy"
)

// StaticConfig controls the plain-HTTP session factory.
type StaticConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// StaticFactory serves targets that render server-side. One instance holds a
// base colly collector; sessions are cheap clones of it. Unlike the browser
// factory, proxies rotate per navigation.
type StaticFactory struct {
	cfg     StaticConfig
	rotator *proxy.Rotator
}

// NewStaticFactory creates the factory. rotator may be nil for direct egress.
func NewStaticFactory(cfg StaticConfig, rotator *proxy.Rotator) *StaticFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &StaticFactory{cfg: cfg, rotator: rotator}
}

// NewInstance implements InstanceFactory.
func (f *StaticFactory) NewInstance(_ context.Context) (Instance, error) {
	base := colly.NewCollector(colly.Async(false))
	base.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		base.UserAgent = f.cfg.UserAgent
	}
	base.SetRequestTimeout(f.cfg.Timeout)
	return &staticInstance{factory: f, base: base}, nil
}

type staticInstance struct {
	factory *StaticFactory
	base    *colly.Collector
}

// NewSession clones the base collector for exclusive use by one task.
func (i *staticInstance) NewSession(_ context.Context) (harvest.Session, error) {
	return &staticSession{inst: i, collector: i.base.Clone()}, nil
}

// Close is a no-op; collectors hold no long-lived resources.
func (i *staticInstance) Close() error { return nil }

type staticSession struct {
	inst      *staticInstance
	collector *colly.Collector
}

// Navigate fetches the URL and returns the raw HTML body.
func (s *staticSession) Navigate(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rotator := s.inst.factory.rotator
	var prx proxy.Proxy
	usingProxy := false
	if rotator != nil {
		if p, ok := rotator.Next(ctx); ok {
			if err := s.collector.SetProxy(p.URL); err != nil {
				return "", fmt.Errorf("set proxy %s: %w", p.ID, err)
			}
			prx = p
			usingProxy = true
		}
	}

	var (
		body      string
		status    int
		visitErr  error
		respondAt time.Time
	)
	c := s.collector.Clone()
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
		status = r.StatusCode
		respondAt = time.Now()
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	start := time.Now()
	if err := c.Visit(url); err != nil && visitErr == nil {
		visitErr = err
	}
	c.Wait()

	if usingProxy {
		latency := time.Since(start)
		if !respondAt.IsZero() {
			latency = respondAt.Sub(start)
		}
		rotator.RecordResult(prx.ID, visitErr == nil, latency)
	}
	if visitErr != nil {
		return "", classifyHTTP(status, fmt.Errorf("fetch %s: %w", url, visitErr))
	}
	if looksLikeCaptcha(body) {
		return "", harvest.Errorf(harvest.ErrKindCaptcha, "fetch %s: captcha challenge served", url)
	}
	return body, nil
}

// Close is a no-op for static sessions.
func (s *staticSession) Close() error { return nil }

// classifyHTTP maps response codes onto the failure taxonomy.
func classifyHTTP(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return harvest.NewError(harvest.ErrKindRateLimited, err)
	case status == http.StatusForbidden || status == http.StatusUnavailableForLegalReasons:
		return harvest.NewError(harvest.ErrKindBlocked, err)
	case status >= 500 || status == 0:
		return harvest.NewError(harvest.ErrKindNetwork, err)
	default:
		return err
	}
}

func looksLikeCaptcha(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "are you a robot") ||
		strings.Contains(lower, "unusual traffic")
}
