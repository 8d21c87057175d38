package search

// Result is a single entity hit returned to the caller.
type Result struct {
	ID         string   `json:"id"`
	WorldID    string   `json:"worldId"`
	Name       string   `json:"name"`
	Snippet    string   `json:"snippet"`
	TemplateID string   `json:"templateId,omitempty"`
	FolderID   string   `json:"folderId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Query describes an entity search request, always scoped to one world.
type Query struct {
	Text    string
	WorldID string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text entity search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexEntity(record EntityRecord) error
	DeleteEntity(id string) error
}

// EntityRecord is the data we index for an entity.
type EntityRecord struct {
	ID         string   `json:"id"`
	WorldID    string   `json:"worldId"`
	Name       string   `json:"name"`
	Summary    string   `json:"summary"`
	TemplateID string   `json:"templateId"`
	FolderID   string   `json:"folderId"`
	Tags       []string `json:"tags"`
}
