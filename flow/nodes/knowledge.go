package nodes

import (
	"context"
	"fmt"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/knowledge"
)

// knowledgeIngestDefinition builds the knowledge-ingest node: chunk, embed,
// and index one document through the knowledge port. Content comes inline
// (`content`) or from the merged input (`contentPath`). Without a corpus or
// scope the document lands in the execution-scoped runtime corpus, which
// the service creates on first use.
func knowledgeIngestDefinition(deps Deps) flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeKnowledgeIngest,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "title", Kind: flow.KindString},
				{Name: "content", Kind: flow.KindString},
				{Name: "contentPath", Kind: flow.KindString},
				{Name: "sourceType", Kind: flow.KindString},
				{Name: "corpusId", Kind: flow.KindString},
				{Name: "scopeType", Kind: flow.KindString,
					Enum: []string{knowledge.ScopeUser, knowledge.ScopeWorkflow, knowledge.ScopeExecution}},
				{Name: "metadata", Kind: flow.KindMap},
			},
		},
		Fn: func(ctx context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			if deps.Knowledge == nil {
				return nil, nodeErr(in, "ingest requested but no knowledge service is configured")
			}
			cfg := in.Metadata.NodeConfig

			content, _ := flow.AsString(cfg["content"])
			if path, ok := flow.AsString(cfg["contentPath"]); ok && path != "" {
				value, found := flow.LookupPath(in.Data, path)
				if !found {
					return nil, nodeErr(in, fmt.Sprintf("contentPath %q did not resolve", path))
				}
				content = flow.Stringify(value)
			}
			if content == "" {
				return nil, configErr(in, "knowledge-ingest requires content or contentPath")
			}

			req := knowledge.IngestRequest{
				ExecutionID: in.Metadata.ExecutionID,
				WorkflowID:  in.Metadata.WorkflowID,
				UserID:      in.Metadata.UserID,
				NodeID:      in.Metadata.NodeID,
				ContentText: content,
			}
			req.Title, _ = flow.AsString(cfg["title"])
			req.SourceType, _ = flow.AsString(cfg["sourceType"])
			req.CorpusID, _ = flow.AsString(cfg["corpusId"])
			req.ScopeType, _ = flow.AsString(cfg["scopeType"])
			req.Metadata, _ = flow.AsMap(cfg["metadata"])

			result, err := deps.Knowledge.Ingest(ctx, req)
			if err != nil {
				return nil, nodeErr(in, fmt.Sprintf("ingest failed: %v", err))
			}

			out := passthrough(in)
			out["_ingest"] = map[string]interface{}{
				"corpusId":   result.CorpusID,
				"documentId": result.DocumentID,
				"chunkCount": result.ChunkCount,
				"status":     result.Status,
			}
			return out, nil
		},
	}
}

// knowledgeRetrieveDefinition builds the knowledge-retrieve node. The
// engine runs the retrieval orchestration before execute and injects the
// result into the input under the configured key, so execute only has to
// surface the injected data into its output.
func knowledgeRetrieveDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeKnowledgeRetrieve,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "query", Kind: flow.KindString},
				{Name: "queryTemplate", Kind: flow.KindString},
				{Name: "strategy", Kind: flow.KindString},
				{Name: "retrievers", Kind: flow.KindList},
				{Name: "topK", Kind: flow.KindNumber},
				{Name: "outputKey", Kind: flow.KindString},
				{Name: "injectAs", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			return passthrough(in), nil
		},
	}
}
