package domtrack

import (
	"context"

	"github.com/hazyhaar/domtrack/ident"
)

// ContentExtractor supplies fuller readable text for a tracked node
// than the captured excerpt, for display surfaces that interleave
// article or heading content. Implementations are optional: callers
// with none pass nil and get fingerprint text only.
type ContentExtractor interface {
	// Extract returns a fuller text rendering for the node, or "" when
	// it has nothing to add. Errors are advisory; consumers keep the
	// original text.
	Extract(ctx context.Context, info ident.NodeInfo) (string, error)
}

// Highlight is a labeling collaborator's response: which nodes matter
// and what to call them. Both fields may cover only a subset of the
// inventory; anything absent keeps its original label and is shown.
type Highlight struct {
	Important []string          // ids marked important
	Labels    map[string]string // replacement labels by id
}

// Labeler receives the flattened element inventory and picks out the
// nodes worth surfacing. Consumers must tolerate partial or absent
// responses and must not block indefinitely on a slow implementation.
type Labeler interface {
	Label(ctx context.Context, nodes []ident.NodeInfo) (Highlight, error)
}

// ExtractorFunc adapts a function to ContentExtractor.
type ExtractorFunc func(ctx context.Context, info ident.NodeInfo) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, info ident.NodeInfo) (string, error) {
	return f(ctx, info)
}

// LabelerFunc adapts a function to Labeler.
type LabelerFunc func(ctx context.Context, nodes []ident.NodeInfo) (Highlight, error)

func (f LabelerFunc) Label(ctx context.Context, nodes []ident.NodeInfo) (Highlight, error) {
	return f(ctx, nodes)
}
