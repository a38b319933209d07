package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet,omitempty"`
	SectionID string `json:"sectionId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterKind      string // empty = all kinds
	FilterSectionID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over tree nodes.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NodeRecord is the data we index per tree node.
type NodeRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	SectionID string `json:"sectionId"`
	Status    string `json:"status"`
}
