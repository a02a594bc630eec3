package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ChromeBrowser drives a Chrome instance through chromedp. It implements the
// Browser interface used by the session store.
type ChromeBrowser struct {
	headless bool

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChromeBrowser creates a browser. Headless is off by default because the
// login flow needs an operator-visible window; automation reuses the same
// window shrunk by the device scale factor.
func NewChromeBrowser(headless bool) *ChromeBrowser {
	return &ChromeBrowser{headless: headless}
}

// Launch starts Chrome and opens a tab
func (b *ChromeBrowser) Launch(ctx context.Context) error {
	if b.tabCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("start-maximized", true),
		chromedp.Flag("force-device-scale-factor", "0.5"),
		chromedp.NoDefaultBrowserCheck,
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.tabCtx, b.tabCancel = chromedp.NewContext(b.allocCtx)

	// Materialize the browser process before any navigation.
	if err := chromedp.Run(b.tabCtx); err != nil {
		b.Close()
		return fmt.Errorf("start chrome: %w", err)
	}
	return nil
}

// Close tears down the browser process
func (b *ChromeBrowser) Close() error {
	if b.tabCancel != nil {
		b.tabCancel()
		b.tabCancel = nil
		b.tabCtx = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
		b.allocCtx = nil
	}
	return nil
}

// run executes chromedp actions, honoring the caller's deadline
func (b *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	if b.tabCtx == nil {
		return fmt.Errorf("browser not launched")
	}
	runCtx := b.tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// Navigate opens a URL and waits for the DOM to be ready
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Location returns the current page URL
func (b *ChromeBrowser) Location(ctx context.Context) (string, error) {
	var loc string
	err := b.run(ctx, chromedp.Location(&loc))
	return loc, err
}

// Cookies returns all cookies in the browser context
func (b *ChromeBrowser) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := cdpstorage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			})
		}
		return nil
	}))
	return out, err
}

// SetCookies restores cookies into the browser context
func (b *ChromeBrowser) SetCookies(ctx context.Context, cookies []Cookie) error {
	return b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.Expires > 0 {
				sec, frac := math.Modf(c.Expires)
				expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
				p.Expires = &expires
			}
			params = append(params, p)
		}
		return cdpstorage.SetCookies(params).Do(ctx)
	}))
}

// Evaluate runs a JavaScript expression in the page and unmarshals the result
func (b *ChromeBrowser) Evaluate(ctx context.Context, expr string, out any) error {
	if out == nil {
		return b.run(ctx, chromedp.Evaluate(expr, nil))
	}
	return b.run(ctx, chromedp.Evaluate(expr, out))
}

// Click clicks the first visible element matching the selector
func (b *ChromeBrowser) Click(ctx context.Context, selector string) error {
	return b.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Type focuses the selector and types the text into it
func (b *ChromeBrowser) Type(ctx context.Context, selector, text string) error {
	return b.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// PressEnter sends an Enter key event to the focused element
func (b *ChromeBrowser) PressEnter(ctx context.Context) error {
	return b.run(ctx, chromedp.KeyEvent(kb.Enter))
}

// ExposeBinding injects a window-level function into the page that invokes fn
// when called. Used for the sidebar MutationObserver push trigger.
func (b *ChromeBrowser) ExposeBinding(ctx context.Context, name string, fn func()) error {
	if b.tabCtx == nil {
		return fmt.Errorf("browser not launched")
	}
	chromedp.ListenTarget(b.tabCtx, func(ev any) {
		if bc, ok := ev.(*runtime.EventBindingCalled); ok && bc.Name == name {
			fn()
		}
	})
	return b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return runtime.AddBinding(name).Do(ctx)
	}))
}

// dismissPopups sweeps the known Instagram dialog buttons until a full pass
// clicks nothing. Best-effort: failures here never abort an acquire.
func dismissPopups(ctx context.Context, b Browser) {
	const maxPasses = 15
	for pass := 0; pass < maxPasses; pass++ {
		var clicked int
		if err := b.Evaluate(ctx, popupSweepJS, &clicked); err != nil {
			log.Printf("[Session] Popup sweep error: %v", err)
			return
		}
		if clicked == 0 {
			return
		}
		log.Printf("[Session] Dismissed %d popup(s), sweeping again", clicked)
		select {
		case <-ctx.Done():
			return
		case <-time.After(1500 * time.Millisecond):
		}
	}
}

// popupSweepJS clicks every visible dialog-dismiss control once and returns
// how many it clicked. Text matching covers the buttons Instagram rotates
// through its consent and notification dialogs.
const popupSweepJS = `(() => {
	const labels = ["Not Now", "OK", "Allow", "Accept", "Cancel", "Close"];
	let clicked = 0;
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	for (const el of document.querySelectorAll('button, div[role="button"]')) {
		if (!visible(el)) continue;
		const text = (el.innerText || "").trim();
		if (labels.includes(text)) {
			el.click();
			clicked++;
		}
	}
	for (const el of document.querySelectorAll('svg[aria-label="close" i], [aria-label="close" i]')) {
		const target = el.closest('div[role="button"], button') || el;
		if (visible(target)) {
			target.click();
			clicked++;
		}
	}
	return clicked;
})()`
