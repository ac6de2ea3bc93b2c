package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/model"
)

// llmDefinition builds the llm node: prompt assembly, provider resolution
// through Deps.Models, one Generate call, and an optional quality check
// that converts a weak response into a retry directive.
func llmDefinition(deps Deps) flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeLLM,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "provider", Kind: flow.KindString},
				{Name: "model", Kind: flow.KindString},
				{Name: "prompt", Kind: flow.KindString},
				{Name: "promptTemplate", Kind: flow.KindString},
				{Name: "systemPrompt", Kind: flow.KindString},
				{Name: "maxTokens", Kind: flow.KindNumber},
				{Name: "temperature", Kind: flow.KindNumber},
				{Name: "timeoutMs", Kind: flow.KindNumber},
				{Name: "qualityCheckRequiredText", Kind: flow.KindString},
				{Name: "qualityCheckMinLength", Kind: flow.KindNumber},
			},
		},
		Fn: func(ctx context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig

			prompt := resolvePrompt(cfg, in.Data)
			if prompt == "" {
				return nil, configErr(in, "llm node requires prompt or promptTemplate")
			}
			prompt = appendFileSections(prompt, in.Data)
			prompt = appendKnowledgeSection(prompt, in.Data)

			if deps.Models == nil {
				return nil, nodeErr(in, "no model provider configured")
			}
			provider, _ := flow.AsString(cfg["provider"])
			modelName, _ := flow.AsString(cfg["model"])
			client, err := deps.Models.ClientFor(ctx, in.Metadata.UserID, provider, modelName)
			if err != nil {
				if errors.Is(err, model.ErrNoProviderKey) {
					return nil, &flow.NodeError{
						Message: err.Error(),
						Code:    flow.CodeProviderKeyMissing,
						NodeID:  in.Metadata.NodeID,
						Cause:   err,
					}
				}
				return nil, err
			}

			req := model.Request{
				Prompt: prompt,
			}
			if s, ok := flow.AsString(cfg["systemPrompt"]); ok {
				req.System = s
			}
			if n, ok := flow.AsInt(cfg["maxTokens"]); ok {
				req.MaxTokens = n
			}
			if f, ok := flow.AsFloat(cfg["temperature"]); ok {
				req.Temperature = f
			}
			if ms, ok := flow.AsInt(cfg["timeoutMs"]); ok && ms > 0 {
				req.Timeout = time.Duration(ms) * time.Millisecond
			}

			resp, err := client.Generate(ctx, req)
			if err != nil {
				return nil, err
			}

			out := map[string]interface{}{
				"content":  resp.Content,
				"model":    resp.Model,
				"provider": resp.Provider,
				"usage": map[string]interface{}{
					"promptTokens":     resp.Usage.PromptTokens,
					"completionTokens": resp.Usage.CompletionTokens,
					"totalTokens":      resp.Usage.TotalTokens,
				},
				"durationMs": resp.DurationMs,
			}

			if reason := qualityCheckFailure(cfg, resp.Content); reason != "" {
				out["metadata"] = retryDirective(reason, 0)
			}
			return out, nil
		},
	}
}

func resolvePrompt(cfg, data map[string]interface{}) string {
	if tpl, ok := flow.AsString(cfg["promptTemplate"]); ok && tpl != "" {
		return flow.Interpolate(tpl, data)
	}
	prompt, _ := flow.AsString(cfg["prompt"])
	return prompt
}

// appendFileSections formats upstream file-upload output into the prompt.
// Two shapes are recognized: a `_files` list of {fileName, fileContent}
// entries, and a single top-level fileName/fileContent pair.
func appendFileSections(prompt string, data map[string]interface{}) string {
	type file struct{ name, content string }
	var files []file

	if list, ok := flow.AsSlice(data["_files"]); ok {
		for _, item := range list {
			m, ok := flow.AsMap(item)
			if !ok {
				continue
			}
			name, _ := flow.AsString(m["fileName"])
			content, _ := flow.AsString(m["fileContent"])
			if content != "" {
				files = append(files, file{name: name, content: content})
			}
		}
	}
	if name, ok := flow.AsString(data["fileName"]); ok {
		if content, ok := flow.AsString(data["fileContent"]); ok && content != "" {
			files = append(files, file{name: name, content: content})
		}
	}
	if len(files) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n--- Uploaded files ---\n")
	for _, f := range files {
		if f.name != "" {
			sb.WriteString("File: ")
			sb.WriteString(f.name)
			sb.WriteString("\n")
		}
		sb.WriteString(f.content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// appendKnowledgeSection formats retrieval matches injected under
// `_knowledge` into the prompt, best match first.
func appendKnowledgeSection(prompt string, data map[string]interface{}) string {
	kn, ok := flow.AsMap(data["_knowledge"])
	if !ok {
		return prompt
	}
	matches, ok := flow.AsSlice(kn["matches"])
	if !ok || len(matches) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n--- Knowledge context ---\n")
	for i, item := range matches {
		m, ok := flow.AsMap(item)
		if !ok {
			continue
		}
		content, _ := flow.AsString(m["content"])
		if content == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%d]", i+1))
		if title, ok := flow.AsString(m["title"]); ok && title != "" {
			sb.WriteString(" ")
			sb.WriteString(title)
		}
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// qualityCheckFailure evaluates the configured quality gates against the
// generated content. An empty return means the content passed.
func qualityCheckFailure(cfg map[string]interface{}, content string) string {
	if required, ok := flow.AsString(cfg["qualityCheckRequiredText"]); ok && required != "" {
		if !strings.Contains(content, required) {
			return fmt.Sprintf("quality check failed: response does not contain %q", required)
		}
	}
	if minLen, ok := flow.AsInt(cfg["qualityCheckMinLength"]); ok && minLen > 0 {
		if len([]rune(content)) < minLen {
			return fmt.Sprintf("quality check failed: response length %d below minimum %d",
				len([]rune(content)), minLen)
		}
	}
	return ""
}
