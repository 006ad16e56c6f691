package retrieval

import "context"

// categoryFilters maps the document categories the assistant exposes to the
// metadata predicates stored on ingested chunks.
var categoryFilters = map[string]map[string]string{
	"contracts":   {"doc_type": "contract"},
	"case_law":    {"doc_type": "case_law"},
	"statutes":    {"doc_type": "statute"},
	"regulations": {"doc_type": "regulation"},
	"opinions":    {"doc_type": "legal_opinion"},
}

// Categories lists the recognized search categories.
func Categories() []string {
	out := make([]string, 0, len(categoryFilters))
	for k := range categoryFilters {
		out = append(out, k)
	}
	return out
}

// SearchByCategory narrows a search to one document category. Unrecognized
// categories fall through to an unfiltered search rather than erroring, so a
// stale category name in the UI degrades instead of breaking.
func (o *Optimizer) SearchByCategory(ctx context.Context, vector []float32, category string, limit int) []SearchResult {
	req := SearchRequest{Vector: vector, Limit: limit}
	if filters, ok := categoryFilters[category]; ok {
		req.Filters = filters
	} else if category != "" {
		o.logger.Debug("unknown search category, searching unfiltered")
	}
	return o.Search(ctx, req)
}
