package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Snippet   string `json:"snippet"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// Query describes a search request. ShopDomain is always required; results
// never cross shops.
type Query struct {
	Text            string
	ShopDomain      string
	FilterProductID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over product notes.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data we index for a product note.
type NoteRecord struct {
	ID         string `json:"id"`
	ShopDomain string `json:"shopDomain"`
	ProductID  string `json:"productId"`
	Content    string `json:"content"`
	CreatedBy  string `json:"createdBy"`
}
