package search

import "context"

// Result is a single search hit returned to the caller. ID is the scoped key
// of the document tip.
type Result struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Snippet    string `json:"snippet"`
	Scope      string `json:"scope"`
	TipHash    string `json:"tipHash"`
	IsWorkflow bool   `json:"isWorkflow"`
}

// Query describes a search request.
type Query struct {
	Text             string
	Scope            string // empty = every scope
	IncludeWorkflows bool
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push document tips into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document tip.
type DocumentRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Scope      string `json:"scope"`
	TipHash    string `json:"tipHash"`
	IsWorkflow bool   `json:"isWorkflow"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
