package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/timing"
	"github.com/ysmood/gson"
)

// RodDriver implements Driver on a single go-rod browser.
type RodDriver struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      config.BrowserConfig
	locators *locator.Set
	logger   *slog.Logger

	mu      sync.Mutex
	tabs    map[TabID]*rod.Page
	order   []TabID
	active  TabID
	routers []*rod.HijackRouter
}

var _ Driver = (*RodDriver)(nil)

func (d *RodDriver) activePage() (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.tabs[d.active]
	if !ok {
		return nil, errors.New("driver: no active tab")
	}
	return p, nil
}

// scoped binds the active page to ctx bounded by the action timeout.
func (d *RodDriver) scoped(ctx context.Context) (*rod.Page, context.CancelFunc, error) {
	p, err := d.activePage()
	if err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	return p.Context(cctx), cancel, nil
}

// textPattern renders a query's text filter in rod's "/pattern/flags" form.
func textPattern(q locator.Query) string {
	flags := ""
	if q.IgnoreCase {
		flags = "i"
	}
	return "/" + regexp.QuoteMeta(q.Text) + "/" + flags
}

func find(p *rod.Page, q locator.Query) (*rod.Element, error) {
	var (
		has bool
		el  *rod.Element
		err error
	)
	if q.Text == "" {
		has, el, err = p.Has(q.CSS)
	} else {
		has, el, err = p.HasR(q.CSS, textPattern(q))
	}
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNotFound
	}
	return el, nil
}

// withElement runs fn on the element matching q in the active tab.
func (d *RodDriver) withElement(ctx context.Context, q locator.Query, fn func(*rod.Element) error) error {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	el, err := find(p, q)
	if err != nil {
		return fmt.Errorf("%s: %w", q, err)
	}
	return fn(el)
}

func (d *RodDriver) Open(ctx context.Context, url string) error {
	p, err := d.activePage()
	if err != nil {
		return err
	}
	settled, err := openWithin(ctx, d.cfg.NavigateTimeout,
		func(ctx context.Context) error { return p.Context(ctx).Navigate(url) },
		func(ctx context.Context) error { return p.Context(ctx).WaitDOMStable(300*time.Millisecond, 0.1) },
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if !settled {
		d.logger.Debug("DOM did not settle, proceeding with current DOM", "url", url)
	}
	return nil
}

// openWithin runs navigate and then settle under one deadline. A settle
// step that runs out of time is not an error; settled reports whether it
// finished.
func openWithin(ctx context.Context, timeout time.Duration, navigate, settle func(context.Context) error) (settled bool, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := navigate(ctx); err != nil {
		return false, err
	}
	if err := settle(ctx); err != nil {
		if pErr := context.Cause(ctx); pErr != nil && !errors.Is(pErr, context.DeadlineExceeded) {
			return false, pErr
		}
		return false, nil
	}
	return true, nil
}

func (d *RodDriver) IsPresent(ctx context.Context, q locator.Query) (bool, error) {
	err := d.withElement(ctx, q, func(*rod.Element) error { return nil })
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *RodDriver) IsVisible(ctx context.Context, q locator.Query) (bool, error) {
	var visible bool
	err := d.withElement(ctx, q, func(el *rod.Element) error {
		v, err := el.Visible()
		visible = v
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return visible, err
}

func (d *RodDriver) Click(ctx context.Context, q locator.Query) error {
	return d.withElement(ctx, q, func(el *rod.Element) error {
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

func (d *RodDriver) Type(ctx context.Context, q locator.Query, text string) error {
	return d.withElement(ctx, q, func(el *rod.Element) error {
		return el.Input(text)
	})
}

func (d *RodDriver) Clear(ctx context.Context, q locator.Query) error {
	return d.withElement(ctx, q, func(el *rod.Element) error {
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Type(input.Backspace)
	})
}

var keyMap = map[Key]input.Key{
	KeyEnter:     input.Enter,
	KeyBackspace: input.Backspace,
	KeyDelete:    input.Delete,
}

func (d *RodDriver) PressKey(ctx context.Context, q locator.Query, key Key) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("driver: unknown key %d", key)
	}
	return d.withElement(ctx, q, func(el *rod.Element) error {
		return el.Type(k)
	})
}

func (d *RodDriver) ScrollIntoView(ctx context.Context, q locator.Query) error {
	return d.withElement(ctx, q, func(el *rod.Element) error {
		return el.ScrollIntoView()
	})
}

func (d *RodDriver) WaitVisible(ctx context.Context, q locator.Query, timeout time.Duration) error {
	return timing.Poll(ctx, 250*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		ok, _ := d.IsVisible(ctx, q)
		return ok, nil
	})
}

func (d *RodDriver) WaitAbsent(ctx context.Context, q locator.Query, timeout time.Duration) error {
	return timing.Poll(ctx, 250*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		ok, err := d.IsVisible(ctx, q)
		return err == nil && !ok, nil
	})
}

func (d *RodDriver) WaitTextPresent(ctx context.Context, text string, timeout time.Duration) error {
	return timing.Poll(ctx, 250*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		p, cancel, err := d.scoped(ctx)
		if err != nil {
			return false, err
		}
		defer cancel()
		res, err := p.Eval(`() => document.body ? document.body.innerText : ""`)
		if err != nil {
			return false, nil
		}
		return strings.Contains(res.Value.Str(), text), nil
	})
}

func (d *RodDriver) FindAll(ctx context.Context, q locator.Query) ([]Element, error) {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	els, err := p.Elements(q.CSS)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		if q.Text != "" && !containsText(text, q.Text, q.IgnoreCase) {
			continue
		}
		html, err := el.HTML()
		if err != nil {
			continue
		}
		out = append(out, Element{HTML: html, Text: text})
	}
	return out, nil
}

func containsText(s, sub string, fold bool) bool {
	if fold {
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	}
	return strings.Contains(s, sub)
}

func (d *RodDriver) PageHTML(ctx context.Context) (string, error) {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	return p.HTML()
}

// Screenshot writes <dir>/<name>_<unix>.png for the active tab.
func (d *RodDriver) Screenshot(ctx context.Context, name string) (string, error) {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	img, err := p.Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(d.cfg.ScreenshotDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.cfg.ScreenshotDir, fmt.Sprintf("%s_%d.png", name, time.Now().Unix()))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// NewTab opens a tab, prepares it, navigates to url (when not empty) and
// makes it the active tab.
//
// Stealth JS, headers and the hijack router are installed before navigation:
// they only take effect for navigations that happen after they exist.
func (d *RodDriver) NewTab(ctx context.Context, url string) (TabID, error) {
	page, err := d.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		d.logger.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	if d.cfg.Locale != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(map[string]string{"Accept-Language": acceptLanguage(d.cfg.Locale)}),
		}.Call(page)
	}
	router := setupHijack(page, d.cfg.BlockAds)

	id := TabID(page.TargetID)
	d.mu.Lock()
	d.tabs[id] = page
	d.order = append(d.order, id)
	d.active = id
	if router != nil {
		d.routers = append(d.routers, router)
	}
	d.mu.Unlock()

	if url != "" {
		if err := d.Open(ctx, url); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (d *RodDriver) ActivateTab(ctx context.Context, id TabID) error {
	d.mu.Lock()
	p, ok := d.tabs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown tab %s", id)
	}
	if _, err := p.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("activate tab: %w", err)
	}
	d.mu.Lock()
	d.active = id
	d.mu.Unlock()
	return nil
}

// CloseTab closes a tab. When it was active, the most recently opened
// remaining tab becomes active.
func (d *RodDriver) CloseTab(ctx context.Context, id TabID) error {
	d.mu.Lock()
	p, ok := d.tabs[id]
	if ok {
		delete(d.tabs, id)
		for i, t := range d.order {
			if t == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		if d.active == id {
			d.active = ""
			if n := len(d.order); n > 0 {
				d.active = d.order[n-1]
			}
		}
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown tab %s", id)
	}
	return p.Context(ctx).Close()
}

func (d *RodDriver) ActiveTab() TabID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Cookies returns every cookie in the browser, across all domains.
func (d *RodDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := d.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (d *RodDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	if err := d.browser.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// SolveChallenge clicks the checkbox area of the first challenge widget on
// the page. The checkbox sits near the left edge of the widget frame.
func (d *RodDriver) SolveChallenge(ctx context.Context) error {
	if d.locators == nil {
		return errors.New("driver: no challenge locators")
	}
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for _, q := range d.locators.ChallengeWidget {
		el, err := find(p, q)
		if err != nil {
			continue
		}
		box, err := elementBox(el)
		if err != nil {
			continue
		}
		x := box.X + min(30, box.Width/2)
		y := box.Y + box.Height/2
		return d.humanClick(ctx, p, proto.Point{X: x, Y: y})
	}
	return fmt.Errorf("challenge widget: %w", ErrNotFound)
}

// PointerClick moves the mouse to the element centre along a short path,
// hesitates, and clicks.
func (d *RodDriver) PointerClick(ctx context.Context, q locator.Query) error {
	p, cancel, err := d.scoped(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	el, err := find(p, q)
	if err != nil {
		return fmt.Errorf("%s: %w", q, err)
	}
	box, err := elementBox(el)
	if err != nil {
		return err
	}
	return d.humanClick(ctx, p, proto.Point{X: box.X + box.Width/2, Y: box.Y + box.Height/2})
}

func elementBox(el *rod.Element) (*proto.DOMRect, error) {
	if err := el.ScrollIntoView(); err != nil {
		return nil, err
	}
	shape, err := el.Shape()
	if err != nil {
		return nil, err
	}
	box := shape.Box()
	if box == nil {
		return nil, errors.New("driver: element has no layout box")
	}
	return box, nil
}

func (d *RodDriver) humanClick(ctx context.Context, p *rod.Page, to proto.Point) error {
	if err := p.Mouse.MoveLinear(to, 8+rand.IntN(12)); err != nil {
		return fmt.Errorf("move pointer: %w", err)
	}
	if err := timing.Sleep(ctx, timing.Jitter(80*time.Millisecond, 250*time.Millisecond)); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Close stops the hijack routers and kills the browser process.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	routers := d.routers
	d.routers = nil
	d.tabs = make(map[TabID]*rod.Page)
	d.order = nil
	d.active = ""
	d.mu.Unlock()

	for _, r := range routers {
		_ = r.Stop()
	}
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
	return err
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// acceptLanguage turns "en-US" into "en-US,en;q=0.9".
func acceptLanguage(locale string) string {
	base, _, found := strings.Cut(locale, "-")
	if !found || base == "" {
		return locale
	}
	return locale + "," + base + ";q=0.9"
}
