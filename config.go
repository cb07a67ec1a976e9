package domtrack

import (
	"time"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/batch"
	"github.com/hazyhaar/domtrack/internal/grace"
	"github.com/hazyhaar/domtrack/internal/match"
)

// DefaultTrackTags are the element tags tracked out of the box. Which
// elements a host chooses to track is glue, not policy: overriding the
// set is expected.
var DefaultTrackTags = []string{
	"button", "a", "input", "select", "textarea",
	"h1", "h2", "h3", "h4", "h5", "h6",
}

// Config is the tracker configuration. Constructed once at tracker
// start and immutable thereafter; changing it requires a new tracker.
type Config struct {
	// SessionID keys persisted fingerprints for this page/tab.
	SessionID string

	// Threshold is the minimum match confidence. Default 0.6.
	Threshold float64
	// GracePeriod is the disappearance window. Default 2s.
	GracePeriod time.Duration
	// FlushTimeout is the batcher hard fallback. Default 100ms.
	FlushTimeout time.Duration
	// Weights overrides the per-tier weight table.
	Weights map[ident.Tier]float64

	// MaxTracked caps the tracked-node count; beyond it the nodes with
	// the fewest populated tiers are dropped first. Default 500.
	MaxTracked int
	// MaxAncestors caps fingerprint path depth. Default 5.
	MaxAncestors int

	// TrackTags selects elements by tag. Default DefaultTrackTags.
	// Elements carrying an explicit role attribute are always eligible.
	TrackTags []string

	// RescanPerSec rate-limits full-tree re-identification scans from
	// stale lookups. Default 5/s, burst 10.
	RescanPerSec float64
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = match.DefaultThreshold
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = grace.DefaultPeriod
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = batch.DefaultTimeout
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = 500
	}
	if c.MaxAncestors <= 0 {
		c.MaxAncestors = 5
	}
	if len(c.TrackTags) == 0 {
		c.TrackTags = DefaultTrackTags
	}
	if c.RescanPerSec <= 0 {
		c.RescanPerSec = 5
	}
}
