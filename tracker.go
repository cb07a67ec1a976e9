// Package domtrack maintains stable logical identities for elements of
// a continuously mutating document tree. A tracked node keeps its id
// across framework reconciliation: when the underlying element is
// destroyed and an equivalent one created elsewhere, the tracker
// re-identifies it by fingerprint matching instead of reporting a
// removal and an unrelated addition.
//
// One Tracker is created per page/session and passed explicitly to all
// consumers; there is no ambient global instance. All internal state is
// owned by a single event loop: mutation batches, grace-period expiry
// and API calls are serialised there, so the id→node map is never
// touched concurrently.
package domtrack

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/idgen"
	"github.com/hazyhaar/domtrack/internal/batch"
	"github.com/hazyhaar/domtrack/internal/dom"
	"github.com/hazyhaar/domtrack/internal/fingerprint"
	"github.com/hazyhaar/domtrack/internal/grace"
	"github.com/hazyhaar/domtrack/internal/match"
)

// Stats are cumulative tracker counters.
type Stats struct {
	Active    int    `json:"active"`
	Searching int    `json:"searching"`
	Flushes   uint64 `json:"flushes"`
	Added     uint64 `json:"added"`
	Matched   uint64 `json:"matched"`
	Updated   uint64 `json:"updated"`
	Lost      uint64 `json:"lost"`
	Errors    uint64 `json:"errors"`
}

// trackedNode pairs a fingerprint with the current live element handle
// and lifecycle status. The handle is non-owning: the host document
// owns the node, and Attached is the only proof of liveness.
type trackedNode struct {
	fp     ident.Fingerprint
	el     dom.Element
	status ident.Status
	lostAt time.Time
}

// Tracker is the identity store and orchestrator.
type Tracker struct {
	cfg    Config
	page   dom.Page
	logger *slog.Logger
	store  SessionStore

	gen     *fingerprint.Generator
	matcher *match.Matcher
	batcher *batch.Batcher
	grace   *grace.Controller
	limiter *rate.Limiter
	events  *emitter

	// Loop-owned state. Mutated only on the tracker loop.
	nodes     map[string]*trackedNode
	byKey     map[string]string // element key → tracked id
	trackTags map[string]bool

	cmdCh  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	flushNum uint64
	seq      uint64
	stats    Stats
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithStore enables fingerprint persistence across reloads.
func WithStore(s SessionStore) Option {
	return func(t *Tracker) { t.store = s }
}

// New creates a Tracker observing page. Call Start to begin.
func New(page dom.Page, cfg Config, opts ...Option) *Tracker {
	cfg.defaults()

	// Fractional rates must still allow at least one immediate rescan.
	burst := int(math.Ceil(cfg.RescanPerSec)) * 2
	if burst < 1 {
		burst = 1
	}

	t := &Tracker{
		cfg:       cfg,
		page:      page,
		logger:    slog.Default(),
		gen:       fingerprint.New(page, fingerprint.Options{MaxAncestors: cfg.MaxAncestors}),
		matcher:   match.New(cfg.Weights, cfg.Threshold),
		batcher:   batch.New(page, cfg.FlushTimeout),
		grace:     grace.New(cfg.GracePeriod),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RescanPerSec), burst),
		events:    newEmitter(),
		nodes:     make(map[string]*trackedNode),
		byKey:     make(map[string]string),
		trackTags: make(map[string]bool),
		cmdCh:     make(chan func(), 16),
		done:      make(chan struct{}),
	}
	for _, tag := range cfg.TrackTags {
		t.trackTags[tag] = true
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AddListener subscribes fn to events of type typ (EventAny for all).
// Returns a handle for RemoveListener.
func (t *Tracker) AddListener(typ ident.EventType, fn Listener) int {
	return t.events.add(typ, fn)
}

// RemoveListener unsubscribes a handle returned by AddListener.
func (t *Tracker) RemoveListener(typ ident.EventType, handle int) {
	t.events.remove(typ, handle)
}

// Start seeds the identity map with one full synchronous scan of the
// current tree, restores persisted fingerprints for session continuity,
// and begins observation. Idempotent.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.seed(ctx)

	go t.loop()
	t.logger.Info("domtrack: started",
		"session", t.cfg.SessionID, "nodes", len(t.nodes))
	return nil
}

// Stop drains pending mutations, persists the session and ends
// observation. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.do(func() {
		if f, ok := t.batcher.Drain(); ok {
			t.processFlush(f)
		}
		t.saveSession()
	})
	t.cancel()
	<-t.done
	t.logger.Info("domtrack: stopped", "session", t.cfg.SessionID)
}

// do runs fn on the tracker loop and waits for it. Returns false when
// the tracker is not running.
func (t *Tracker) do(fn func()) bool {
	t.mu.Lock()
	running := t.started && t.ctx != nil
	t.mu.Unlock()
	if !running {
		return false
	}

	ran := make(chan struct{})
	select {
	case t.cmdCh <- func() { fn(); close(ran) }:
	case <-t.ctx.Done():
		return false
	}
	select {
	case <-ran:
		return true
	case <-t.done:
		return false
	}
}

// loop is the single-threaded core: every map mutation happens here.
func (t *Tracker) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return

		case m := <-t.page.Mutations():
			t.onMutation(m)

		case gen := <-t.batcher.FrameC():
			if f, ok := t.batcher.Frame(gen); ok {
				t.processFlush(f)
			}

		case <-t.batcher.TimerC():
			if f, ok := t.batcher.Timeout(); ok {
				t.processFlush(f)
			}

		case id := <-t.grace.ExpiryC():
			t.onGraceExpiry(id)

		case fn := <-t.cmdCh:
			fn()
		}
	}
}

// seed performs the initial full scan before observation begins.
func (t *Tracker) seed(ctx context.Context) {
	els := t.collectTrackable(t.page.Root())

	type seedCand struct {
		el dom.Element
		fp ident.Fingerprint
	}
	cands := make([]seedCand, 0, len(els))
	for _, el := range els {
		cands = append(cands, seedCand{el: el, fp: t.gen.Generate(el)})
	}

	// Node/depth caps degrade gracefully: keep the most identifiable
	// fingerprints (by tier completeness), drop the rest.
	if len(cands) > t.cfg.MaxTracked {
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].fp.TierCount() > cands[j].fp.TierCount()
		})
		dropped := len(cands) - t.cfg.MaxTracked
		cands = cands[:t.cfg.MaxTracked]
		t.logger.Warn("domtrack: node cap exceeded on seed scan",
			"cap", t.cfg.MaxTracked, "dropped", dropped)
	}

	// Session continuity: adopt persisted ids for elements that still
	// match their stored fingerprints.
	persisted := t.loadSession(ctx)
	adopted := make(map[int]string) // candidate index → persisted id
	taken := make(map[int]bool)
	for _, pfp := range persisted {
		pool := make([]match.Candidate, 0, len(cands))
		idx := make([]int, 0, len(cands))
		for i, c := range cands {
			if taken[i] || c.fp.Tag != pfp.Tag {
				continue
			}
			pool = append(pool, match.Candidate{Element: c.el, FP: c.fp})
			idx = append(idx, i)
		}
		if m, ok := t.matcher.Best(pfp, pool); ok {
			i := idx[m.Result.Order]
			adopted[i] = pfp.ID
			taken[i] = true
		}
	}

	for i, c := range cands {
		id, ok := adopted[i]
		if !ok {
			id = idgen.New()
		}
		fp := c.fp
		fp.ID = id
		t.nodes[id] = &trackedNode{fp: fp, el: c.el, status: ident.StatusActive}
		t.byKey[c.el.Key()] = id
		t.emit(ident.Event{Type: ident.EventNodeAdded, ID: id, Node: &fp})
		t.stats.Added++
	}
}

// onMutation filters and buffers one raw notification.
func (t *Tracker) onMutation(m dom.Mutation) {
	switch m.Kind {
	case dom.MutRemoved, dom.MutAdded:
		t.batcher.Add(m)
	case dom.MutAttr, dom.MutText:
		// Only changes on tracked elements matter.
		if _, ok := t.byKey[m.Target.Key()]; ok {
			t.batcher.Add(m)
		}
	}
}

// processFlush is one discrete processing round. Ordering within a
// flush: removals are resolved against additions first, then remaining
// additions become new nodes, then plain updates — so no listener sees
// a node-added for an element that is really a relocated tracked node.
// A panic anywhere in the round becomes a batch-error event; it never
// stops future observation.
func (t *Tracker) processFlush(f batch.Flush) {
	t.flushNum++
	t.stats.Flushes++
	defer func() {
		if r := recover(); r != nil {
			t.stats.Errors++
			t.logger.Error("domtrack: flush failed", "flush", t.flushNum, "panic", r)
			t.emit(ident.Event{Type: ident.EventBatchError, Err: fmt.Sprint(r)})
		}
	}()

	now := time.Now()

	// 1. Removals open grace windows.
	for _, m := range f.Removed {
		key := m.Target.Key()
		id, ok := t.byKey[key]
		if !ok {
			continue
		}
		n := t.nodes[id]
		if n == nil || n.status != ident.StatusActive {
			continue
		}
		if n.el.Attached() {
			// Detach + reattach within one burst: a plain move.
			continue
		}
		t.markSearching(id, n, now)
	}
	// A removed container takes tracked descendants with it without
	// individual notifications; sweep for silently detached nodes.
	if len(f.Removed) > 0 {
		for id, n := range t.nodes {
			if n.status == ident.StatusActive && !n.el.Attached() {
				t.markSearching(id, n, now)
			}
		}
	}

	// 2. Collect candidate elements from added subtrees.
	cands := t.addedCandidates(f.Added)

	// 3. Match searching fingerprints against the candidates.
	used := make(map[string]bool) // candidate key → consumed
	for _, entry := range t.grace.Searching() {
		pool := make([]match.Candidate, 0, len(cands))
		for _, c := range cands {
			if !used[c.Element.Key()] && c.FP.Tag == entry.FP.Tag {
				pool = append(pool, c)
			}
		}
		m, ok := t.matcher.Best(entry.FP, pool)
		if !ok {
			continue
		}
		used[m.Candidate.Element.Key()] = true
		t.restore(entry.ID, m)
	}

	// 4. Remaining candidates become new tracked nodes.
	for _, c := range cands {
		if used[c.Element.Key()] {
			continue
		}
		t.track(c)
	}

	// 5. In-place updates.
	for _, m := range f.Changed {
		t.refresh(m.Target)
	}

	t.saveSession()
}

// addedCandidates expands added mutations into trackable elements with
// fresh fingerprints, in document order, deduplicated.
func (t *Tracker) addedCandidates(added []dom.Mutation) []match.Candidate {
	var out []match.Candidate
	seen := make(map[string]bool)
	for _, m := range added {
		if m.Target == nil || !m.Target.Attached() {
			continue // added then removed within the same burst
		}
		for _, el := range t.collectTrackable(m.Target) {
			key := el.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, tracked := t.byKey[key]; tracked {
				continue
			}
			fp := t.gen.Generate(el)
			if fp.Text == "" && m.Fragment != "" && key == m.Target.Key() {
				// Live capture raced the framework's text fill; the
				// insert notification's serialised subtree carries the
				// initial text.
				fp.Text = dom.FragmentText(m.Fragment)
			}
			out = append(out, match.Candidate{Element: el, FP: fp})
		}
	}
	return out
}

// collectTrackable walks root's subtree collecting trackable elements
// in document order, root included.
func (t *Tracker) collectTrackable(root dom.Element) []dom.Element {
	if root == nil {
		return nil
	}
	var out []dom.Element
	var walk func(el dom.Element)
	walk = func(el dom.Element) {
		if t.trackable(el) {
			out = append(out, el)
		}
		for _, c := range el.Children() {
			walk(c)
		}
	}
	walk(root)
	return out
}

func (t *Tracker) trackable(el dom.Element) bool {
	if t.trackTags[el.Tag()] {
		return true
	}
	_, hasRole := el.Attr("role")
	return hasRole
}

// markSearching opens the grace window for a disappeared node.
func (t *Tracker) markSearching(id string, n *trackedNode, now time.Time) {
	n.status = ident.StatusSearching
	n.lostAt = now
	delete(t.byKey, n.el.Key())
	t.grace.Begin(id, n.fp, now)
	t.logger.Debug("domtrack: node searching", "id", id, "tag", n.fp.Tag)
}

// restore re-binds a searching node to its re-identified element.
func (t *Tracker) restore(id string, m match.Match) {
	n := t.nodes[id]
	if n == nil {
		return
	}
	t.grace.Resolve(id)

	fresh := m.Candidate.FP
	fresh.ID = id
	changed := diffDisplay(n.fp, fresh)

	if n.el != nil {
		delete(t.byKey, n.el.Key())
	}
	n.el = m.Candidate.Element
	n.fp = fresh
	n.status = ident.StatusActive
	n.lostAt = time.Time{}
	t.byKey[n.el.Key()] = id

	t.stats.Matched++
	t.emit(ident.Event{
		Type:       ident.EventNodeMatched,
		ID:         id,
		Node:       &fresh,
		Confidence: m.Result.Confidence,
		Changed:    changed,
	})
}

// track creates a brand-new tracked node, enforcing the node cap by
// dropping the least identifiable fingerprint, never aborting.
func (t *Tracker) track(c match.Candidate) {
	if len(t.nodes) >= t.cfg.MaxTracked {
		victim, min := "", c.FP.TierCount()
		for id, n := range t.nodes {
			if n.status == ident.StatusActive && n.fp.TierCount() < min {
				victim, min = id, n.fp.TierCount()
			}
		}
		if victim == "" {
			return // new node is the least identifiable; drop it
		}
		t.evict(victim)
	}

	id := idgen.New()
	fp := c.FP
	fp.ID = id
	t.nodes[id] = &trackedNode{fp: fp, el: c.Element, status: ident.StatusActive}
	t.byKey[c.Element.Key()] = id
	t.stats.Added++
	t.emit(ident.Event{Type: ident.EventNodeAdded, ID: id, Node: &fp})
}

func (t *Tracker) evict(id string) {
	n := t.nodes[id]
	if n == nil {
		return
	}
	t.grace.Resolve(id)
	delete(t.byKey, n.el.Key())
	delete(t.nodes, id)
	t.stats.Lost++
	t.emit(ident.Event{Type: ident.EventNodeRemoved, ID: id})
}

// refresh regenerates the fingerprint of an in-place-changed element.
func (t *Tracker) refresh(el dom.Element) {
	id, ok := t.byKey[el.Key()]
	if !ok {
		return
	}
	n := t.nodes[id]
	if n == nil || !el.Attached() {
		return
	}

	fresh := t.gen.Generate(el)
	fresh.ID = id
	changed := diffDisplay(n.fp, fresh)
	n.fp = fresh
	if len(changed) == 0 {
		return
	}
	t.stats.Updated++
	t.emit(ident.Event{Type: ident.EventNodeUpdated, ID: id, Node: &fresh, Changed: changed})
}

// onGraceExpiry closes a grace window: one final match attempt against
// the current live tree, then the node is lost.
func (t *Tracker) onGraceExpiry(id string) {
	entry, ok := t.grace.Expire(id)
	if !ok {
		return // matched before the timer signal drained
	}
	n := t.nodes[id]
	if n == nil || n.status != ident.StatusSearching {
		return
	}

	if m, ok := t.matcher.Best(entry.FP, t.liveCandidates(entry.FP.Tag)); ok {
		t.restore(id, m)
		t.saveSession()
		return
	}

	n.status = ident.StatusLost
	delete(t.nodes, id)
	t.stats.Lost++
	t.emit(ident.Event{Type: ident.EventNodeRemoved, ID: id})
	t.logger.Debug("domtrack: node lost", "id", id, "tag", entry.FP.Tag)
	t.saveSession()
}

// liveCandidates collects untracked same-tag elements from the live
// tree with fresh fingerprints.
func (t *Tracker) liveCandidates(tag string) []match.Candidate {
	var out []match.Candidate
	for _, el := range t.page.ByTag(tag) {
		if _, tracked := t.byKey[el.Key()]; tracked {
			continue
		}
		out = append(out, match.Candidate{Element: el, FP: t.gen.Generate(el)})
	}
	return out
}

// GetElement resolves a tracked id to its live element. The stored
// handle alone is not trusted: attachment is verified, and a detached
// handle triggers an immediate re-identification attempt before the
// lookup gives up and returns nil.
func (t *Tracker) GetElement(id string) dom.Element {
	var el dom.Element
	if !t.do(func() { el = t.resolve(id) }) {
		return nil
	}
	return el
}

// resolve runs on the tracker loop.
func (t *Tracker) resolve(id string) dom.Element {
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	if n.el != nil && n.el.Attached() {
		return n.el
	}

	// Stale map entry: the element went away between flushes. Full-tree
	// rescans are rate limited so a storm of stale lookups cannot turn
	// into a scan storm.
	if !t.limiter.Allow() {
		return nil
	}
	m, ok := t.matcher.Best(n.fp, t.liveCandidates(n.fp.Tag))
	if !ok {
		return nil
	}
	t.restore(id, m)
	return t.nodes[id].el
}

// Nodes returns the current inventory, active and searching.
func (t *Tracker) Nodes() []ident.NodeInfo {
	var out []ident.NodeInfo
	t.do(func() {
		out = make([]ident.NodeInfo, 0, len(t.nodes))
		for id, n := range t.nodes {
			out = append(out, ident.NodeInfo{
				ID:      id,
				Tag:     n.fp.Tag,
				Role:    n.fp.Role,
				Label:   displayLabel(n.fp),
				Context: pathContext(n.fp),
				Status:  n.status,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out
}

// KeyIndex returns a copy of the element-key → id index. The tree
// builder uses it to decorate its mirror without touching loop state.
func (t *Tracker) KeyIndex() map[string]string {
	var out map[string]string
	t.do(func() {
		out = make(map[string]string, len(t.byKey))
		for k, v := range t.byKey {
			out[k] = v
		}
	})
	return out
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	var s Stats
	t.do(func() {
		s = t.stats
		s.Active, s.Searching = 0, 0
		for _, n := range t.nodes {
			switch n.status {
			case ident.StatusActive:
				s.Active++
			case ident.StatusSearching:
				s.Searching++
			}
		}
	})
	return s
}

func (t *Tracker) emit(ev ident.Event) {
	t.seq++
	ev.Flush = t.flushNum
	ev.Seq = t.seq
	ev.Timestamp = time.Now().UnixMilli()
	t.events.emit(ev)
}

// diffDisplay lists display fields that differ between fingerprints.
func diffDisplay(old, fresh ident.Fingerprint) []string {
	var changed []string
	for _, f := range []struct{ name, a, b string }{
		{"label", old.Label, fresh.Label},
		{"text", old.Text, fresh.Text},
		{"value", old.Value, fresh.Value},
		{"placeholder", old.Placeholder, fresh.Placeholder},
		{"href", old.Href, fresh.Href},
		{"role", old.Role, fresh.Role},
	} {
		if f.a != f.b {
			changed = append(changed, f.name)
		}
	}
	return changed
}

func displayLabel(fp ident.Fingerprint) string {
	switch {
	case fp.Label != "":
		return fp.Label
	case fp.Text != "":
		return fp.Text
	case fp.Placeholder != "":
		return fp.Placeholder
	}
	return ""
}

func pathContext(fp ident.Fingerprint) string {
	if len(fp.Path) == 0 {
		return ""
	}
	out := ""
	for i := len(fp.Path) - 1; i >= 0; i-- {
		if out != "" {
			out += ">"
		}
		out += fp.Path[i].Tag
	}
	return out
}
