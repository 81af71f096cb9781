// Package drivertest provides a scripted in-memory driver.Driver for tests.
//
// A Fake holds a mutable page model: which queries are visible or present,
// which elements they match, the page text and the URL. Hooks let a test
// change that model in response to driver calls, which is how multi-step
// flows (click continue, the password field appears) are scripted.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/timing"
)

// Call is one recorded driver invocation.
type Call struct {
	Op  string
	Arg string
}

// Fake implements driver.Driver against an in-memory page model.
type Fake struct {
	mu sync.Mutex

	visible  map[string]bool
	present  map[string]bool
	elements map[string][]driver.Element
	fails    map[string]error
	text     string
	url      string
	html     string

	tabs   []driver.TabID
	active driver.TabID
	nextID int

	jar      []driver.Cookie
	restored [][]driver.Cookie
	typed    map[string]string
	calls    []Call
	closed   bool

	// Hooks run after the model records the call and before it returns.
	// A non-nil error from a hook is returned to the caller.
	OnOpen         func(f *Fake, url string) error
	OnClick        func(f *Fake, q locator.Query) error
	OnType         func(f *Fake, q locator.Query, text string) error
	OnPressKey     func(f *Fake, q locator.Query, key driver.Key) error
	OnSolve        func(f *Fake) error
	OnPointerClick func(f *Fake, q locator.Query) error
	OnNewTab       func(f *Fake, id driver.TabID, url string) error
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty Fake with one open tab.
func New() *Fake {
	f := &Fake{
		visible:  make(map[string]bool),
		present:  make(map[string]bool),
		elements: make(map[string][]driver.Element),
		fails:    make(map[string]error),
		typed:    make(map[string]string),
	}
	f.active = f.allocTab()
	return f
}

func (f *Fake) allocTab() driver.TabID {
	f.nextID++
	id := driver.TabID(fmt.Sprintf("tab-%d", f.nextID))
	f.tabs = append(f.tabs, id)
	return id
}

// Show marks every query visible (and present).
func (f *Fake) Show(qs ...locator.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range qs {
		f.visible[q.String()] = true
		f.present[q.String()] = true
	}
}

// Hide marks every query invisible and detached.
func (f *Fake) Hide(qs ...locator.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range qs {
		delete(f.visible, q.String())
		delete(f.present, q.String())
	}
}

// Attach marks queries present in the DOM without making them visible.
func (f *Fake) Attach(qs ...locator.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range qs {
		f.present[q.String()] = true
	}
}

// SetElements sets the matches FindAll returns for q.
func (f *Fake) SetElements(q locator.Query, els ...driver.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[q.String()] = els
}

// SetText sets the visible text of the page.
func (f *Fake) SetText(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = s
}

// SetHTML sets the document returned by PageHTML.
func (f *Fake) SetHTML(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = s
}

// SetURL sets the current URL without recording a call.
func (f *Fake) SetURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = u
}

// SetCookieJar replaces the browser cookies.
func (f *Fake) SetCookieJar(c []driver.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jar = c
}

// Fail makes every later call of op return err. A nil err clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fails, op)
		return
	}
	f.fails[op] = err
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Called reports whether op was called with arg.
func (f *Fake) Called(op, arg string) bool {
	for _, c := range f.Calls() {
		if c.Op == op && c.Arg == arg {
			return true
		}
	}
	return false
}

// Typed returns the last text typed into q.
func (f *Fake) Typed(q locator.Query) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typed[q.String()]
}

// Restored returns every cookie set passed to SetCookies.
func (f *Fake) Restored() [][]driver.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]driver.Cookie(nil), f.restored...)
}

// Tabs returns the open tabs in opening order.
func (f *Fake) Tabs() []driver.TabID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.TabID(nil), f.tabs...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// record logs the call and returns the scripted failure for op, if any.
func (f *Fake) record(ctx context.Context, op, arg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Arg: arg})
	if f.closed {
		return fmt.Errorf("drivertest: %s on closed driver", op)
	}
	return f.fails[op]
}

func (f *Fake) isVisible(q locator.Query) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible[q.String()]
}

func (f *Fake) isPresent(q locator.Query) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[q.String()]
}

func (f *Fake) requireVisible(q locator.Query) error {
	if !f.isVisible(q) {
		return fmt.Errorf("%s: %w", q, driver.ErrNotFound)
	}
	return nil
}

func (f *Fake) Open(ctx context.Context, url string) error {
	if err := f.record(ctx, "Open", url); err != nil {
		return err
	}
	f.SetURL(url)
	if f.OnOpen != nil {
		return f.OnOpen(f, url)
	}
	return nil
}

func (f *Fake) IsVisible(ctx context.Context, q locator.Query) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	err := f.fails["IsVisible"]
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.isVisible(q), nil
}

func (f *Fake) IsPresent(ctx context.Context, q locator.Query) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return f.isPresent(q), nil
}

func (f *Fake) Click(ctx context.Context, q locator.Query) error {
	if err := f.record(ctx, "Click", q.String()); err != nil {
		return err
	}
	if err := f.requireVisible(q); err != nil {
		return err
	}
	if f.OnClick != nil {
		return f.OnClick(f, q)
	}
	return nil
}

func (f *Fake) Type(ctx context.Context, q locator.Query, text string) error {
	if err := f.record(ctx, "Type", q.String()); err != nil {
		return err
	}
	if err := f.requireVisible(q); err != nil {
		return err
	}
	f.mu.Lock()
	f.typed[q.String()] += text
	f.mu.Unlock()
	if f.OnType != nil {
		return f.OnType(f, q, text)
	}
	return nil
}

func (f *Fake) Clear(ctx context.Context, q locator.Query) error {
	if err := f.record(ctx, "Clear", q.String()); err != nil {
		return err
	}
	if err := f.requireVisible(q); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.typed, q.String())
	f.mu.Unlock()
	return nil
}

func (f *Fake) PressKey(ctx context.Context, q locator.Query, key driver.Key) error {
	if err := f.record(ctx, "PressKey", q.String()); err != nil {
		return err
	}
	if err := f.requireVisible(q); err != nil {
		return err
	}
	if f.OnPressKey != nil {
		return f.OnPressKey(f, q, key)
	}
	return nil
}

func (f *Fake) ScrollIntoView(ctx context.Context, q locator.Query) error {
	if err := f.record(ctx, "ScrollIntoView", q.String()); err != nil {
		return err
	}
	return f.requireVisible(q)
}

// waitFor checks cond until it holds, ctx ends, or timeout elapses. The
// model only changes through hooks and test code, so a short interval is
// enough.
func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	return timing.Poll(ctx, time.Millisecond, timeout, func(context.Context) (bool, error) {
		return cond(), nil
	})
}

func (f *Fake) WaitVisible(ctx context.Context, q locator.Query, timeout time.Duration) error {
	if err := f.record(ctx, "WaitVisible", q.String()); err != nil {
		return err
	}
	return waitFor(ctx, timeout, func() bool { return f.isVisible(q) })
}

func (f *Fake) WaitTextPresent(ctx context.Context, text string, timeout time.Duration) error {
	if err := f.record(ctx, "WaitTextPresent", text); err != nil {
		return err
	}
	return waitFor(ctx, timeout, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return strings.Contains(f.text, text)
	})
}

func (f *Fake) WaitAbsent(ctx context.Context, q locator.Query, timeout time.Duration) error {
	if err := f.record(ctx, "WaitAbsent", q.String()); err != nil {
		return err
	}
	return waitFor(ctx, timeout, func() bool { return !f.isVisible(q) })
}

func (f *Fake) FindAll(ctx context.Context, q locator.Query) ([]driver.Element, error) {
	if err := f.record(ctx, "FindAll", q.String()); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Element(nil), f.elements[q.String()]...), nil
}

// PageHTML returns the HTML set with SetHTML, or the page text wrapped in a
// body element.
func (f *Fake) PageHTML(ctx context.Context) (string, error) {
	if err := f.record(ctx, "PageHTML", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.html != "" {
		return f.html, nil
	}
	return "<html><body><p>" + f.text + "</p></body></html>", nil
}

func (f *Fake) Screenshot(ctx context.Context, name string) (string, error) {
	if err := f.record(ctx, "Screenshot", name); err != nil {
		return "", err
	}
	return "screenshots/" + name + ".png", nil
}

func (f *Fake) NewTab(ctx context.Context, url string) (driver.TabID, error) {
	if err := f.record(ctx, "NewTab", url); err != nil {
		return "", err
	}
	f.mu.Lock()
	id := f.allocTab()
	f.active = id
	f.url = url
	f.mu.Unlock()
	if f.OnNewTab != nil {
		return id, f.OnNewTab(f, id, url)
	}
	return id, nil
}

func (f *Fake) ActivateTab(ctx context.Context, id driver.TabID) error {
	if err := f.record(ctx, "ActivateTab", string(id)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tabs {
		if t == id {
			f.active = id
			return nil
		}
	}
	return fmt.Errorf("drivertest: unknown tab %s", id)
}

func (f *Fake) CloseTab(ctx context.Context, id driver.TabID) error {
	if err := f.record(ctx, "CloseTab", string(id)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tabs {
		if t == id {
			f.tabs = append(f.tabs[:i], f.tabs[i+1:]...)
			if f.active == id {
				f.active = ""
				if n := len(f.tabs); n > 0 {
					f.active = f.tabs[n-1]
				}
			}
			return nil
		}
	}
	return fmt.Errorf("drivertest: unknown tab %s", id)
}

func (f *Fake) ActiveTab() driver.TabID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fake) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	if err := f.record(ctx, "Cookies", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Cookie(nil), f.jar...), nil
}

func (f *Fake) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	if err := f.record(ctx, "SetCookies", ""); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, append([]driver.Cookie(nil), cookies...))
	f.jar = append([]driver.Cookie(nil), cookies...)
	return nil
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *Fake) SolveChallenge(ctx context.Context) error {
	if err := f.record(ctx, "SolveChallenge", ""); err != nil {
		return err
	}
	if f.OnSolve != nil {
		return f.OnSolve(f)
	}
	return nil
}

func (f *Fake) PointerClick(ctx context.Context, q locator.Query) error {
	if err := f.record(ctx, "PointerClick", q.String()); err != nil {
		return err
	}
	if err := f.requireVisible(q); err != nil {
		return err
	}
	if f.OnPointerClick != nil {
		return f.OnPointerClick(f, q)
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "Close"})
	f.closed = true
	return nil
}

// Launcher hands out Fakes built by Build, one per Launch.
type Launcher struct {
	mu       sync.Mutex
	launched []*Fake

	// Build returns the driver for the n-th launch, counting from 0.
	Build func(n int) *Fake

	// Err, when set, fails every Launch.
	Err error
}

var _ driver.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context) (driver.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}
	l.mu.Lock()
	n := len(l.launched)
	l.mu.Unlock()

	var f *Fake
	if l.Build != nil {
		f = l.Build(n)
	} else {
		f = New()
	}

	l.mu.Lock()
	l.launched = append(l.launched, f)
	l.mu.Unlock()
	return f, nil
}

// Launched returns every Fake handed out so far.
func (l *Launcher) Launched() []*Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Fake(nil), l.launched...)
}
