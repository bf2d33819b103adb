package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// HTTPConfig configures the http.request capability.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "method": { "type": "string" },
    "url": { "type": "string", "minLength": 1 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {},
    "bearer_token": { "type": "string" },
    "timeout": { "type": "string" }
  },
  "required": ["url"]
}`

// HTTPRequest returns the http.request capability. The response body becomes the step output.
// 5xx answers and transport failures are retryable; 4xx answers are not.
func HTTPRequest(cfg HTTPConfig) Capability {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return NewCapability("http.request", []byte(httpRequestSchema), func(ctx context.Context, req *Request) (*Result, error) {
		return doHTTP(ctx, cfg, req.Parameters)
	})
}

func doHTTP(ctx context.Context, cfg HTTPConfig, params schema.Parameters) (*Result, error) {
	rawURL := params.String("url")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	method := strings.ToUpper(params.String("method"))
	if method == "" {
		method = http.MethodGet
	}

	timeout := cfg.DefaultTimeout
	if ts := params.String("timeout"); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid timeout %q", ts)
		}
		timeout = d
	}

	var body io.Reader
	contentType := ""
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON encodable").WithCause(err)
		}
		body = strings.NewReader(string(raw))
		contentType = "application/json"
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: failed to build request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := params.Map("headers"); ok {
		for k, v := range hdrs {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}
	if token := params.String("bearer_token"); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s %s failed: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
	}
	truncated := int64(len(data)) > cfg.MaxResponseBody
	if truncated {
		data = data[:cfg.MaxResponseBody]
	}

	details := map[string]any{"status_code": resp.StatusCode, "duration_ms": time.Since(start).Milliseconds()}
	switch {
	case resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).WithDetails(details)
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: server rejected request with %d", resp.StatusCode).WithDetails(details)
	}

	summary := fmt.Sprintf("%s %s -> %d", method, rawURL, resp.StatusCode)
	if truncated {
		summary += fmt.Sprintf(" (body truncated at %d bytes)", cfg.MaxResponseBody)
	}
	return &Result{
		Output: string(data),
		IntermediateSteps: []schema.AgentStep{{
			Action:    "http.request",
			Result:    summary,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}
