// Package xclient drives a real Chrome session against x.com: it searches
// for candidate posts and performs like/follow actions.
//
// One browser and one tab live for the whole process. All calls are
// serialized; the agent loop never issues two at once anyway.
package xclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"cadencebot/internal/agent"
	logx "cadencebot/pkg/logx"
)

// Config configures the browser session.
type Config struct {
	CookiesPath   string
	Headless      bool
	UserDataDir   string
	ActionTimeout time.Duration // per navigation + interaction; default 45s
	RateLimitWait time.Duration // retry hint on a rate-limit banner; default 90s
}

// Browser owns the chromedp allocator and the single working tab.
type Browser struct {
	cfg Config
	log logx.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// Open starts Chrome, installs the session cookies and verifies the login.
// A missing or rejected session is returned as an agent auth error.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Browser, error) {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 45 * time.Second
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = 90 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cookies, err := LoadCookies(cfg.CookiesPath)
	if err != nil {
		return nil, agent.Auth(err)
	}
	if err := CheckCookies(cookies, time.Now()); err != nil {
		return nil, err
	}

	// The browser outlives individual calls; only Close ends it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(cfg.Headless, cfg.UserDataDir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	b := &Browser{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "xclient")),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	// The first Run launches Chrome and binds it to tabCtx, so it must not
	// carry the per-operation deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	startCtx, cancel := b.opContext(ctx)
	defer cancel()
	if err := chromedp.Run(startCtx, injectCookies(cookies)); err != nil {
		b.Close()
		return nil, fmt.Errorf("install cookies: %w", err)
	}
	if err := b.verifySession(startCtx); err != nil {
		b.Close()
		return nil, err
	}
	b.log.Info("browser session ready", logx.Bool("headless", cfg.Headless), logx.Int("cookies", len(cookies)))
	return b, nil
}

// Close shuts the tab and the browser process.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCancel != nil {
		b.tabCancel()
		b.tabCancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
}

// opContext derives a bounded context on the tab that also ends when the caller's ctx does.
func (b *Browser) opContext(caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(b.tabCtx, b.cfg.ActionTimeout)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func injectCookies(cookies []*network.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				WithSameSite(c.SameSite).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func (b *Browser) verifySession(ctx context.Context) error {
	if err := chromedp.Run(ctx, chromedp.Navigate(baseURL+"/home")); err != nil {
		return b.navError(ctx, err)
	}
	st, err := b.waitState(ctx, pageStateJS(selPrimaryColumn))
	if err != nil {
		return err
	}
	return st.err(b.cfg.RateLimitWait)
}

// navError maps a chromedp failure during navigation or probing.
func (b *Browser) navError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return agent.Transient(fmt.Errorf("page timed out: %w", err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return agent.Transient(err)
}

// pageState is what the probe script reports about the current tab.
type pageState struct {
	URL         string `json:"url"`
	Login       bool   `json:"login"`
	RateLimited bool   `json:"rateLimited"`
	Ready       bool   `json:"ready"`
	Empty       bool   `json:"empty"`
	Missing     bool   `json:"missing"`
	Done        bool   `json:"done"` // action toggle already in its done position
}

// err maps a settled page to the agent taxonomy. nil means the page is usable.
func (s pageState) err(rateLimitWait time.Duration) error {
	switch {
	case s.Login:
		return agent.Auth(fmt.Errorf("redirected to login (%s)", s.URL))
	case s.RateLimited:
		return agent.RetryAfter(agent.Transient(errors.New("rate limited by x.com")), rateLimitWait)
	case s.Missing:
		return agent.Permanent(fmt.Errorf("page unavailable (%s)", s.URL))
	}
	return nil
}

func (s pageState) settled() bool {
	return s.Login || s.RateLimited || s.Ready || s.Empty || s.Missing
}

// pageStateJS builds the probe for a page whose readiness is signalled by readySel.
func pageStateJS(readySel string) string {
	return `(function() {
		const href = location.href;
		const body = (document.body && document.body.innerText || '').toLowerCase();
		return {
			url: href,
			login: /\/(i\/flow\/)?login/.test(location.pathname) || document.querySelector('` + selLoginButton + `') !== null,
			rateLimited: body.includes('rate limit') || body.includes('try again later'),
			ready: document.querySelector('` + jsEscape(readySel) + `') !== null,
			empty: document.querySelector('` + selEmptyState + `') !== null,
			missing: body.includes("this page doesn") || body.includes('this post is unavailable') || body.includes('account suspended') || body.includes("this account doesn")
		};
	})()`
}

func jsEscape(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}

// waitState polls the probe until the page settles or ctx ends.
func (b *Browser) waitState(ctx context.Context, js string) (pageState, error) {
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	for {
		var st pageState
		if err := chromedp.Run(ctx, chromedp.Evaluate(js, &st)); err != nil {
			return st, b.navError(ctx, err)
		}
		if st.settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, agent.Transient(fmt.Errorf("page did not settle (%s): %w", st.URL, ctx.Err()))
		case <-tick.C:
		}
	}
}
