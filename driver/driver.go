// Package driver abstracts the browser automation primitives the session
// controller needs. RodDriver implements them on go-rod; drivertest.Fake is a
// scripted stand-in for tests.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/timing"
)

// ErrNotFound is returned when a query matches no element.
var ErrNotFound = errors.New("driver: element not found")

// TabID identifies a browser tab.
type TabID string

// Key is a special keyboard key.
type Key int

const (
	KeyEnter Key = iota
	KeyBackspace
	KeyDelete
)

// Cookie is a browser cookie in transport-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Element is a snapshot of a matched element.
type Element struct {
	HTML string
	Text string
}

// Driver is the set of browser operations used by the controller. Every call
// returns an error the caller treats as a recoverable signal; blocking calls
// respect ctx and carry their own timeouts.
type Driver interface {
	Open(ctx context.Context, url string) error

	IsVisible(ctx context.Context, q locator.Query) (bool, error)
	IsPresent(ctx context.Context, q locator.Query) (bool, error)
	Click(ctx context.Context, q locator.Query) error
	Type(ctx context.Context, q locator.Query, text string) error
	Clear(ctx context.Context, q locator.Query) error
	PressKey(ctx context.Context, q locator.Query, key Key) error
	ScrollIntoView(ctx context.Context, q locator.Query) error

	WaitVisible(ctx context.Context, q locator.Query, timeout time.Duration) error
	WaitTextPresent(ctx context.Context, text string, timeout time.Duration) error
	WaitAbsent(ctx context.Context, q locator.Query, timeout time.Duration) error

	FindAll(ctx context.Context, q locator.Query) ([]Element, error)
	PageHTML(ctx context.Context) (string, error)

	// Screenshot captures the active tab and returns the saved file path.
	Screenshot(ctx context.Context, name string) (string, error)

	NewTab(ctx context.Context, url string) (TabID, error)
	ActivateTab(ctx context.Context, id TabID) error
	CloseTab(ctx context.Context, id TabID) error
	ActiveTab() TabID

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	CurrentURL(ctx context.Context) (string, error)

	// SolveChallenge makes one automated attempt at an anti-bot widget.
	SolveChallenge(ctx context.Context) error

	// PointerClick moves the pointer to the element and clicks it the way
	// a person would.
	PointerClick(ctx context.Context, q locator.Query) error

	// Close ends the browser process and releases every tab.
	Close() error
}

// Launcher starts a fresh browser for one session attempt.
type Launcher interface {
	Launch(ctx context.Context) (Driver, error)
}

// FirstVisible returns the first candidate of loc that is currently visible.
func FirstVisible(ctx context.Context, d Driver, loc locator.Locator) (locator.Query, bool) {
	for _, q := range loc {
		if ok, err := d.IsVisible(ctx, q); err == nil && ok {
			return q, true
		}
	}
	return locator.Query{}, false
}

// FirstPresent returns the first candidate of loc attached to the DOM.
func FirstPresent(ctx context.Context, d Driver, loc locator.Locator) (locator.Query, bool) {
	for _, q := range loc {
		if ok, err := d.IsPresent(ctx, q); err == nil && ok {
			return q, true
		}
	}
	return locator.Query{}, false
}

// WaitAnyVisible polls until some candidate of loc is visible.
func WaitAnyVisible(ctx context.Context, d Driver, loc locator.Locator, interval, timeout time.Duration) (locator.Query, error) {
	var found locator.Query
	err := timing.Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		q, ok := FirstVisible(ctx, d, loc)
		if ok {
			found = q
		}
		return ok, nil
	})
	return found, err
}

// ClickFirst clicks the first visible candidate that accepts the click.
func ClickFirst(ctx context.Context, d Driver, loc locator.Locator) (locator.Query, error) {
	var lastErr error = ErrNotFound
	for _, q := range loc {
		ok, err := d.IsVisible(ctx, q)
		if err != nil || !ok {
			continue
		}
		if err := d.Click(ctx, q); err != nil {
			lastErr = err
			continue
		}
		return q, nil
	}
	return locator.Query{}, lastErr
}

// FindFirst returns the matches of the first candidate that has any.
func FindFirst(ctx context.Context, d Driver, loc locator.Locator) ([]Element, locator.Query, error) {
	var lastErr error = ErrNotFound
	for _, q := range loc {
		els, err := d.FindAll(ctx, q)
		if err != nil {
			lastErr = err
			continue
		}
		if len(els) > 0 {
			return els, q, nil
		}
	}
	return nil, locator.Query{}, lastErr
}
