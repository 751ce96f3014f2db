// Package browser owns the chromedp session used by one attempt: lifecycle,
// humanized page interaction, and the encrypted session snapshot codec.
package browser

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/kavitha/snapseat/internal/humanize"
)

// Provisioner creates browser sessions. One session is exclusively owned by
// one attempt and must be closed by that attempt.
type Provisioner struct {
	Headless    bool
	StepTimeout time.Duration
	Policy      humanize.Policy
}

// Session wraps an exec-allocator plus browser context. A failed provision
// is fatal for the attempt; there is no retry.
type Session struct {
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	stepTimeout   time.Duration
	policy        humanize.Policy

	// Pointer position carried between interactions so glides start where
	// the last one ended.
	lastX, lastY float64
}

func (p *Provisioner) NewSession(ctx context.Context) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", p.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	s := &Session{
		stepTimeout: p.StepTimeout,
		policy:      p.Policy,
		lastX:       200 + float64(time.Now().UnixNano()%200),
		lastY:       150 + float64(time.Now().UnixNano()%150),
	}
	if s.stepTimeout == 0 {
		s.stepTimeout = 30 * time.Second
	}

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	if err := chromedp.Run(s.browserCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("browser provisioning failed: %w", err)
	}
	return s, nil
}

// Close releases the browser. Safe to call more than once; always called
// from the attempt's cleanup path.
func (s *Session) Close() {
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}

// step runs actions under the per-step timeout. Every wait in the workflow
// is bounded; exceeding the bound fails the step, never hangs it.
func (s *Session) step(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(s.browserCtx, s.stepTimeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.step(chromedp.Navigate(url)); err != nil {
		return err
	}
	return s.policy.PageDwell.Sleep(ctx)
}

func (s *Session) Location(ctx context.Context) (string, error) {
	var url string
	err := s.step(chromedp.Location(&url))
	return url, err
}

// HTML returns the full serialized DOM.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.step(chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))
	return html, err
}

func (s *Session) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	return chromedp.Run(wctx, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

// WaitLocation polls the page URL until it matches the pattern or the
// timeout passes.
func (s *Session) WaitLocation(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		url, err := s.Location(ctx)
		if err != nil {
			return err
		}
		if pattern.MatchString(url) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("url %q did not match %q within %v", url, pattern, timeout)
		}
		if err := s.policy.MicroAction.Sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *Session) Exists(ctx context.Context, sel string) (bool, error) {
	var found bool
	err := s.step(chromedp.Evaluate(
		"document.querySelector("+strconv.Quote(sel)+") !== null", &found))
	return found, err
}

// center returns the viewport center of the first element matching sel.
func (s *Session) center(sel string) (x, y float64, err error) {
	var box []float64
	js := `(function() {
		const el = document.querySelector(` + strconv.Quote(sel) + `);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return [r.left + r.width / 2, r.top + r.height / 2];
	})()`
	if err = s.step(chromedp.Evaluate(js, &box)); err != nil {
		return 0, 0, err
	}
	if len(box) != 2 {
		return 0, 0, fmt.Errorf("element not found: %s", sel)
	}
	return box[0], box[1], nil
}

// glide moves the pointer to the target along a wobbled path with micro
// pauses, leaving the cursor there.
func (s *Session) glide(ctx context.Context, x, y float64) error {
	for _, pt := range humanize.PointerPath(s.lastX, s.lastY, x, y) {
		err := s.step(chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, pt[0], pt[1]).Do(c)
		}))
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(8+time.Now().UnixNano()%17) * time.Millisecond)
	}
	s.lastX, s.lastY = x, y
	return nil
}

// Hover glides the pointer over an element without clicking, used by the
// seeding pass.
func (s *Session) Hover(ctx context.Context, sel string) error {
	if err := s.step(chromedp.ScrollIntoView(sel, chromedp.ByQuery)); err != nil {
		return err
	}
	if err := s.policy.MicroAction.Sleep(ctx); err != nil {
		return err
	}
	x, y, err := s.center(sel)
	if err != nil {
		return err
	}
	return s.glide(ctx, x, y)
}

// ClickHuman scrolls the element into view, hesitates, glides the pointer
// onto it, and clicks.
func (s *Session) ClickHuman(ctx context.Context, sel string) error {
	if err := s.step(chromedp.ScrollIntoView(sel, chromedp.ByQuery)); err != nil {
		return err
	}
	if err := s.policy.PreClick.Sleep(ctx); err != nil {
		return err
	}
	x, y, err := s.center(sel)
	if err != nil {
		return err
	}
	if err := s.glide(ctx, x, y); err != nil {
		return err
	}
	return s.step(chromedp.MouseClickXY(x, y))
}

// TypeHuman focuses the field and types rune by rune with a randomized
// keystroke cadence. Never pastes a whole value at once.
func (s *Session) TypeHuman(ctx context.Context, sel, text string) error {
	if err := s.ClickHuman(ctx, sel); err != nil {
		return err
	}
	for _, r := range text {
		if err := s.step(chromedp.KeyEvent(string(r))); err != nil {
			return err
		}
		if err := s.policy.Typing.Sleep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SelectOption picks a <select> option by value and fires the change event
// the page's scripts listen for.
func (s *Session) SelectOption(ctx context.Context, sel, value string) error {
	if err := s.ClickHuman(ctx, sel); err != nil {
		return err
	}
	js := `(function() {
		const el = document.querySelector(` + strconv.Quote(sel) + `);
		if (!el) return false;
		el.value = ` + strconv.Quote(value) + `;
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`
	var ok bool
	if err := s.step(chromedp.Evaluate(js, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("select not found: %s", sel)
	}
	return s.policy.MicroAction.Sleep(ctx)
}

// ScrollBy performs a plausible partial page scroll.
func (s *Session) ScrollBy(ctx context.Context, pixels int) error {
	if err := s.step(chromedp.Evaluate(
		fmt.Sprintf("window.scrollBy({top: %d, behavior: 'smooth'})", pixels), nil)); err != nil {
		return err
	}
	return s.policy.MicroAction.Sleep(ctx)
}

// timeSinceEpoch converts a cookie expiry into the cdp wire type.
func timeSinceEpoch(secs float64) *cdp.TimeSinceEpoch {
	if secs <= 0 {
		return nil
	}
	t := cdp.TimeSinceEpoch(time.Unix(int64(secs), 0))
	return &t
}
