// Package knowledge defines the retrieval-augmentation port: scoped corpora
// of chunked, embedded documents, and the retrieve/ingest operations the
// engine and nodes run against them. MemIndex is the built-in in-memory
// implementation; production deployments substitute a vector store behind
// the same Service interface.
package knowledge

import "context"

// Corpus scope types. A scope key pairs one of these with an ID, e.g.
// "workflow:wf-123".
const (
	ScopeUser      = "user"
	ScopeWorkflow  = "workflow"
	ScopeExecution = "execution"
)

// ScopeKey canonicalizes one scope reference.
func ScopeKey(scopeType, id string) string {
	return scopeType + ":" + id
}

// Match is one scored chunk returned by Retrieve, ordered best first.
type Match struct {
	ChunkID    string                 `json:"chunkId"`
	CorpusID   string                 `json:"corpusId"`
	DocumentID string                 `json:"documentId"`
	ChunkIndex int                    `json:"chunkIndex"`
	Score      float64                `json:"score"`
	Content    string                 `json:"content"`
	Title      string                 `json:"title,omitempty"`
	SourceType string                 `json:"sourceType,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RetrieveRequest asks for the TopK chunks most similar to Query. CorpusID
// pins an exact corpus; ScopeType pins a scope; with neither set the
// implementation walks the scope chain execution, then workflow, then user,
// and answers from the first corpus it finds.
type RetrieveRequest struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string

	Query string
	TopK  int

	CorpusID         string
	ScopeType        string
	WorkflowIDScope  string
	ExecutionIDScope string
}

// RetrieveResult carries the ranked matches for one request.
type RetrieveResult struct {
	Query   string
	TopK    int
	Matches []Match
}

// IngestRequest stores one document: the content is chunked, embedded, and
// indexed under the resolved corpus. With no corpus or scope given the
// document lands in the execution-scoped runtime corpus, which is created
// on first use.
type IngestRequest struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string

	Title       string
	ContentText string
	SourceType  string
	Metadata    map[string]interface{}

	CorpusID         string
	ScopeType        string
	WorkflowIDScope  string
	ExecutionIDScope string
}

// IngestResult reports where the document landed.
type IngestResult struct {
	CorpusID   string
	DocumentID string
	ChunkCount int
	Status     string
}

// Service is the knowledge port. Implementations must be safe for
// concurrent use; speculative retrieval issues parallel Retrieve calls.
type Service interface {
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error)
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
}
