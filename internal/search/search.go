package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultThread  ResultType = "thread"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	ThreadID string     `json:"threadId"`
	Repo     string     `json:"repo"`
	Branch   string     `json:"branch,omitempty"`
	Anchor   string     `json:"anchor,omitempty"`
	Snippet  string     `json:"snippet"`
}

// Query describes a search request. Repos restricts hits to repositories the
// caller can read; an empty list yields no results.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Repos      []string
	Branch     string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ThreadRecord is the data we index for a thread.
type ThreadRecord struct {
	ID     string `json:"id"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Anchor string `json:"anchor"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

// MessageRecord is the data we index for a thread message.
type MessageRecord struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Body     string `json:"body"`
}
