package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/flowrun-go/flow"
)

const defaultHTTPTimeoutMs = 30_000

// maxResponseBytes bounds how much of an HTTP response body the node reads.
const maxResponseBytes = 10 << 20

// httpRequestDefinition builds the http-request node. URL and string
// bodies are interpolated over the merged input; composite bodies are sent
// as JSON. Responses surface as {status, statusText, headers, body} with
// the body JSON-decoded when the content type says so.
func httpRequestDefinition(deps Deps) flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeHTTPRequest,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "url", Kind: flow.KindString, Required: true},
				{Name: "method", Kind: flow.KindString, Default: "GET",
					Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
				{Name: "headers", Kind: flow.KindMap},
				{Name: "body", Kind: flow.KindAny},
				{Name: "timeoutMs", Kind: flow.KindNumber, Default: defaultHTTPTimeoutMs},
				{Name: "failOnError", Kind: flow.KindBool, Default: true},
			},
		},
		Fn: func(ctx context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig

			rawURL, _ := flow.AsString(cfg["url"])
			url := flow.Interpolate(rawURL, in.Data)
			method, _ := flow.AsString(cfg["method"])
			method = strings.ToUpper(method)

			body, contentType, err := encodeRequestBody(cfg["body"], in.Data)
			if err != nil {
				return nil, nodeErr(in, err.Error())
			}

			timeoutMs, _ := flow.AsInt(cfg["timeoutMs"])
			if timeoutMs <= 0 {
				timeoutMs = defaultHTTPTimeoutMs
			}
			callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
			defer cancel()

			req, err := http.NewRequestWithContext(callCtx, method, url, body)
			if err != nil {
				return nil, nodeErr(in, fmt.Sprintf("invalid request: %v", err))
			}
			if contentType != "" && req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", contentType)
			}
			if headers, ok := flow.AsMap(cfg["headers"]); ok {
				for name, value := range headers {
					req.Header.Set(name, flow.Interpolate(flow.Stringify(value), in.Data))
				}
			}

			resp, err := deps.httpClient().Do(req)
			if err != nil {
				return nil, nodeErr(in, fmt.Sprintf("request failed: %v", err))
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return nil, nodeErr(in, fmt.Sprintf("failed to read response body: %v", err))
			}

			out := map[string]interface{}{
				"status":     resp.StatusCode,
				"statusText": http.StatusText(resp.StatusCode),
				"headers":    flattenHeaders(resp.Header),
				"body":       decodeResponseBody(raw, resp.Header.Get("Content-Type")),
			}

			failOnError := true
			if b, ok := flow.AsBool(cfg["failOnError"]); ok {
				failOnError = b
			}
			if resp.StatusCode >= 400 && failOnError {
				return nil, nodeErr(in, fmt.Sprintf("HTTP %d %s from %s",
					resp.StatusCode, http.StatusText(resp.StatusCode), url))
			}
			return out, nil
		},
	}
}

// encodeRequestBody prepares the outgoing body: strings are interpolated
// and sent as-is, maps and lists marshal to JSON with the matching content
// type, nil means no body.
func encodeRequestBody(raw interface{}, data map[string]interface{}) (io.Reader, string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, "", nil
	case string:
		if v == "" {
			return nil, "", nil
		}
		return strings.NewReader(flow.Interpolate(v, data)), "", nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %v", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
}

func decodeResponseBody(raw []byte, contentType string) interface{} {
	if len(raw) == 0 {
		return ""
	}
	if strings.Contains(contentType, "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
