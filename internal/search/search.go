package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChat    ResultType = "chat"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	ChatID  string     `json:"chatId"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
}

// Query describes a search request. UserID is mandatory: results never
// cross account boundaries.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	UserID     string
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexChat(c ChatRecord) error
	IndexMessage(m MessageRecord) error
	DeleteChat(id string) error
}

// ChatRecord is the data we index for a chat.
type ChatRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
	UserID     string `json:"userId"`
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID      string `json:"id"`
	ChatID  string `json:"chatId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	Content string `json:"content"`
}
