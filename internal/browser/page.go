package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domtrack/internal/dom"
)

//go:embed observer.js
var observerJS string

const bindingName = "__domtrack_binding"

// mutBuffer is the raw mutation queue depth. Overflow drops the oldest
// record: a stale notification is recoverable, a blocked page is not.
const mutBuffer = 4096

// Tab adapts one live Chrome page to dom.Page.
type Tab struct {
	mgr    *Manager
	page   *rod.Page
	url    string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	mutCh  chan dom.Mutation
}

// OpenTab creates a stealth tab, navigates it, injects the mutation
// observer and starts relaying its records.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b, err := mgr.rod()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if ua := mgr.cfg.UserAgent; ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: set user agent: %w", err)
		}
	}
	if w, h := mgr.cfg.WindowW, mgr.cfg.WindowH; w > 0 && h > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             w,
			Height:            h,
			DeviceScaleFactor: 1,
		}); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: set viewport: %w", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	tabCtx, tabCancel := context.WithCancel(ctx)
	t := &Tab{
		mgr:    mgr,
		page:   page,
		url:    pageURL,
		logger: mgr.cfg.Logger,
		ctx:    tabCtx,
		cancel: tabCancel,
		mutCh:  make(chan dom.Mutation, mutBuffer),
	}

	if err := t.inject(); err != nil {
		tabCancel()
		page.Close()
		return nil, err
	}
	return t, nil
}

// Close stops observation and closes the tab.
func (t *Tab) Close() error {
	t.cancel()
	return t.page.Close()
}

// URL returns the navigated page URL.
func (t *Tab) URL() string { return t.url }

func (t *Tab) inject() error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(t.page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}
	go t.listenBinding()

	if _, err := t.page.Eval(observerJS); err != nil {
		return fmt.Errorf("browser: inject observer: %w", err)
	}
	t.logger.Debug("browser: observer injected", "url", t.url)
	return nil
}

type jsRecord struct {
	Op    string `json:"op"`
	XPath string `json:"xpath"`
	Tag   string `json:"tag"`
	Name  string `json:"name"`
	HTML  string `json:"html"`
}

// listenBinding relays MutationObserver batches into the mutation
// channel, resolving live targets by positional XPath.
func (t *Tab) listenBinding() {
	t.page.Context(t.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var records []jsRecord
		if err := json.Unmarshal([]byte(e.Payload), &records); err != nil {
			t.logger.Warn("browser: parse observer payload", "error", err)
			return
		}
		for _, rec := range records {
			if m, ok := t.toMutation(rec); ok {
				t.emit(m)
			}
		}
	})()
}

func (t *Tab) toMutation(rec jsRecord) (dom.Mutation, bool) {
	switch rec.Op {
	case "removed":
		// The node is gone; nothing to resolve. The tracker finds the
		// affected identities by sweeping for detached references.
		return dom.Mutation{Kind: dom.MutRemoved, Target: tombstone{tag: rec.Tag}}, true
	case "added", "attr", "text":
		el := t.resolveXPath(rec.XPath)
		if el == nil {
			return dom.Mutation{}, false
		}
		kind := dom.MutAdded
		switch rec.Op {
		case "attr":
			kind = dom.MutAttr
		case "text":
			kind = dom.MutText
		}
		m := dom.Mutation{Kind: kind, Target: el, AttrName: rec.Name}
		if rec.Op == "added" {
			m.Fragment = rec.HTML
		}
		return m, true
	}
	return dom.Mutation{}, false
}

func (t *Tab) resolveXPath(xpath string) dom.Element {
	if xpath == "" {
		return nil
	}
	// NotFoundSleeper: resolve once, no retry loop. A vanished target
	// just means the mutation is already stale.
	el, err := t.page.Context(t.ctx).Sleeper(rod.NotFoundSleeper).ElementX(xpath)
	if err != nil {
		return nil
	}
	return t.wrap(el)
}

func (t *Tab) emit(m dom.Mutation) {
	for {
		select {
		case t.mutCh <- m:
			return
		default:
			select {
			case <-t.mutCh:
				t.logger.Warn("browser: mutation buffer overflow, dropping oldest", "url", t.url)
			default:
			}
		}
	}
}

// Mutations implements dom.Source.
func (t *Tab) Mutations() <-chan dom.Mutation { return t.mutCh }

// OnNextFrame implements dom.Source via a double requestAnimationFrame
// round trip, so fn runs after the framework's current render commit.
func (t *Tab) OnNextFrame(fn func()) {
	go func() {
		_, err := t.page.Context(t.ctx).Eval(
			`() => new Promise(r => requestAnimationFrame(() => requestAnimationFrame(r)))`)
		if err != nil && t.ctx.Err() == nil {
			t.logger.Debug("browser: frame wait failed", "error", err)
		}
		fn()
	}()
}

// Root implements dom.Document.
func (t *Tab) Root() dom.Element {
	el, err := t.page.Context(t.ctx).Element("html")
	if err != nil {
		return nil
	}
	return t.wrap(el)
}

// ByTag implements dom.Document.
func (t *Tab) ByTag(tag string) []dom.Element {
	els, err := t.page.Context(t.ctx).Elements(tag)
	if err != nil {
		return nil
	}
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		if w := t.wrap(el); w != nil {
			out = append(out, w)
		}
	}
	return out
}

// Viewport implements dom.Document.
func (t *Tab) Viewport() (float64, float64) {
	res, err := t.page.Context(t.ctx).Eval(`() => [window.innerWidth, window.innerHeight]`)
	if err != nil {
		return 0, 0
	}
	arr := res.Value.Arr()
	if len(arr) != 2 {
		return 0, 0
	}
	return arr[0].Num(), arr[1].Num()
}

// Click implements dom.Actor.
func (t *Tab) Click(el dom.Element) error {
	h, err := t.unwrap(el)
	if err != nil {
		return err
	}
	if err := h.ScrollIntoView(); err != nil {
		return fmt.Errorf("browser: scroll before click: %w", err)
	}
	return h.Click(proto.InputMouseButtonLeft, 1)
}

// SetValue implements dom.Actor. Input goes through real key events so
// the page sees focus, input and change notifications.
func (t *Tab) SetValue(el dom.Element, value string) error {
	h, err := t.unwrap(el)
	if err != nil {
		return err
	}
	if err := h.SelectAllText(); err != nil {
		return fmt.Errorf("browser: select text: %w", err)
	}
	return h.Input(value)
}

// Toggle implements dom.Actor. A real click is the only toggle path
// that fires the change events host pages listen for.
func (t *Tab) Toggle(el dom.Element) error {
	return t.Click(el)
}

// Select implements dom.Actor.
func (t *Tab) Select(el dom.Element, value string) error {
	h, err := t.unwrap(el)
	if err != nil {
		return err
	}
	return h.Select([]string{value}, true, rod.SelectorTypeText)
}

// ScrollIntoView implements dom.Actor.
func (t *Tab) ScrollIntoView(el dom.Element) error {
	h, err := t.unwrap(el)
	if err != nil {
		return err
	}
	return h.ScrollIntoView()
}

func (t *Tab) unwrap(el dom.Element) (*rod.Element, error) {
	h, ok := el.(*pageEl)
	if !ok || h.el == nil {
		return nil, fmt.Errorf("browser: foreign element handle %T", el)
	}
	return h.el, nil
}
