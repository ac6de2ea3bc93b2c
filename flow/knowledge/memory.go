package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Corpus groups documents under one scope key.
type Corpus struct {
	ID        string
	Name      string
	ScopeKey  string
	CreatedAt time.Time
}

// Document is one ingested item; its content lives in the chunks.
type Document struct {
	ID         string
	CorpusID   string
	Title      string
	SourceType string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// Chunk is one embeddable piece of a document.
type Chunk struct {
	ID         string
	CorpusID   string
	DocumentID string
	Index      int
	Content    string
	Embedding  []float64
}

// MemIndex is the in-memory Service implementation: scoped corpora with
// hash-embedded chunks ranked by cosine similarity. It backs tests, local
// runs, and deployments without an external vector store.
type MemIndex struct {
	mu        sync.RWMutex
	embedder  Embedder
	chunkSize int
	clock     func() time.Time

	corpora map[string]*Corpus  // by corpus ID
	byScope map[string]string   // scope key -> corpus ID
	docs    map[string]*Document
	chunks  map[string][]*Chunk // corpus ID -> chunks in insertion order
}

// MemIndexOption configures a MemIndex.
type MemIndexOption func(*MemIndex)

// WithEmbedder substitutes the embedding function.
func WithEmbedder(e Embedder) MemIndexOption {
	return func(x *MemIndex) {
		if e != nil {
			x.embedder = e
		}
	}
}

// WithChunkSize overrides the chunking window in runes.
func WithChunkSize(n int) MemIndexOption {
	return func(x *MemIndex) {
		if n > 0 {
			x.chunkSize = n
		}
	}
}

// WithIndexClock substitutes the time source (tests).
func WithIndexClock(clock func() time.Time) MemIndexOption {
	return func(x *MemIndex) {
		if clock != nil {
			x.clock = clock
		}
	}
}

// NewMemIndex creates an empty index with the hash embedder and default
// chunk size.
func NewMemIndex(opts ...MemIndexOption) *MemIndex {
	x := &MemIndex{
		embedder:  NewHashEmbedder(EmbeddingDims),
		chunkSize: DefaultChunkSize,
		clock:     time.Now,
		corpora:   make(map[string]*Corpus),
		byScope:   make(map[string]string),
		docs:      make(map[string]*Document),
		chunks:    make(map[string][]*Chunk),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Retrieve ranks every chunk of the resolved corpus against the query and
// returns the TopK best. A request that resolves to no corpus yields an
// empty result, never an error: retrieval against nothing is a legitimate
// empty outcome for the orchestrator to classify.
func (x *MemIndex) Retrieve(_ context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	result := &RetrieveResult{Query: req.Query, TopK: topK}

	x.mu.RLock()
	defer x.mu.RUnlock()

	corpusID, ok := x.resolveCorpusLocked(req)
	if !ok {
		return result, nil
	}
	chunks := x.chunks[corpusID]
	if len(chunks) == 0 {
		return result, nil
	}

	queryVec := x.embedder.Embed(req.Query)
	type scored struct {
		chunk *Chunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		ranked = append(ranked, scored{chunk: c, score: CosineSimilarity(queryVec, c.Embedding)})
	}
	// Stable sort keeps insertion order on score ties, so ranking is
	// deterministic across runs.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	for _, r := range ranked {
		match := Match{
			ChunkID:    r.chunk.ID,
			CorpusID:   r.chunk.CorpusID,
			DocumentID: r.chunk.DocumentID,
			ChunkIndex: r.chunk.Index,
			Score:      r.score,
			Content:    r.chunk.Content,
		}
		if doc, ok := x.docs[r.chunk.DocumentID]; ok {
			match.Title = doc.Title
			match.SourceType = doc.SourceType
			match.Metadata = doc.Metadata
		}
		result.Matches = append(result.Matches, match)
	}
	return result, nil
}

// Ingest chunks and embeds one document into the resolved corpus, creating
// the corpus on first use. Re-ingesting under the same scope reuses the
// same corpus.
func (x *MemIndex) Ingest(_ context.Context, req IngestRequest) (*IngestResult, error) {
	if req.ContentText == "" {
		return nil, fmt.Errorf("ingest: empty content")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	corpusID := x.ensureCorpusLocked(req)
	doc := &Document{
		ID:         uuid.NewString(),
		CorpusID:   corpusID,
		Title:      req.Title,
		SourceType: req.SourceType,
		Metadata:   req.Metadata,
		CreatedAt:  x.clock(),
	}
	x.docs[doc.ID] = doc

	pieces := chunkText(req.ContentText, x.chunkSize)
	for i, piece := range pieces {
		chunk := &Chunk{
			ID:         fmt.Sprintf("%s:%d", doc.ID, i),
			CorpusID:   corpusID,
			DocumentID: doc.ID,
			Index:      i,
			Content:    piece,
			Embedding:  x.embedder.Embed(piece),
		}
		x.chunks[corpusID] = append(x.chunks[corpusID], chunk)
	}

	return &IngestResult{
		CorpusID:   corpusID,
		DocumentID: doc.ID,
		ChunkCount: len(pieces),
		Status:     "ingested",
	}, nil
}

// Corpora returns the corpus IDs in creation order (tests).
func (x *MemIndex) Corpora() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.corpora))
	for id := range x.corpora {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChunkCount reports how many chunks a corpus holds (tests).
func (x *MemIndex) ChunkCount(corpusID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks[corpusID])
}

// resolveCorpusLocked finds the corpus a retrieve request addresses: the
// explicit corpus ID, the explicit scope, or the first hit along the chain
// execution, workflow, user.
func (x *MemIndex) resolveCorpusLocked(req RetrieveRequest) (string, bool) {
	if req.CorpusID != "" {
		_, ok := x.corpora[req.CorpusID]
		return req.CorpusID, ok
	}
	if req.ScopeType != "" {
		id, ok := x.byScope[x.scopeKeyFor(req.ScopeType, req.UserID, req.workflowID(), req.executionID())]
		return id, ok
	}
	for _, key := range []string{
		ScopeKey(ScopeExecution, req.executionID()),
		ScopeKey(ScopeWorkflow, req.workflowID()),
		ScopeKey(ScopeUser, req.UserID),
	} {
		if id, ok := x.byScope[key]; ok {
			return id, true
		}
	}
	return "", false
}

// ensureCorpusLocked resolves or creates the corpus an ingest request
// addresses. Explicit corpus IDs are created as-is when unknown so callers
// can pick their own IDs; otherwise the scope key owns one shared corpus.
func (x *MemIndex) ensureCorpusLocked(req IngestRequest) string {
	if req.CorpusID != "" {
		if _, ok := x.corpora[req.CorpusID]; !ok {
			x.corpora[req.CorpusID] = &Corpus{
				ID:        req.CorpusID,
				Name:      req.CorpusID,
				ScopeKey:  x.ingestScopeKey(req),
				CreatedAt: x.clock(),
			}
		}
		return req.CorpusID
	}

	key := x.ingestScopeKey(req)
	if id, ok := x.byScope[key]; ok {
		return id
	}
	corpus := &Corpus{
		ID:        uuid.NewString(),
		Name:      key,
		ScopeKey:  key,
		CreatedAt: x.clock(),
	}
	x.corpora[corpus.ID] = corpus
	x.byScope[key] = corpus.ID
	return corpus.ID
}

func (x *MemIndex) ingestScopeKey(req IngestRequest) string {
	scopeType := req.ScopeType
	if scopeType == "" {
		scopeType = ScopeExecution
	}
	executionID := req.ExecutionIDScope
	if executionID == "" {
		executionID = req.ExecutionID
	}
	workflowID := req.WorkflowIDScope
	if workflowID == "" {
		workflowID = req.WorkflowID
	}
	return x.scopeKeyFor(scopeType, req.UserID, workflowID, executionID)
}

func (x *MemIndex) scopeKeyFor(scopeType, userID, workflowID, executionID string) string {
	switch scopeType {
	case ScopeUser:
		return ScopeKey(ScopeUser, userID)
	case ScopeWorkflow:
		return ScopeKey(ScopeWorkflow, workflowID)
	default:
		return ScopeKey(ScopeExecution, executionID)
	}
}

func (r RetrieveRequest) workflowID() string {
	if r.WorkflowIDScope != "" {
		return r.WorkflowIDScope
	}
	return r.WorkflowID
}

func (r RetrieveRequest) executionID() string {
	if r.ExecutionIDScope != "" {
		return r.ExecutionIDScope
	}
	return r.ExecutionID
}
