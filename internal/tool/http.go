package tool

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// httpInputSchema / httpOutputSchema declare the built-in tool's contract in
// the same dialect the validator enforces for every catalog entry.
var httpInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url":     {"type": "string", "format": "uri"},
		"method":  {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body":    {"type": "string"}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

var httpOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "number"},
		"body":   {"type": "string"}
	},
	"required": ["status", "body"]
}`)

// NewRegistryWithBuiltins returns a registry preloaded with the built-in
// tools.
func NewRegistryWithBuiltins(logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register("http.request", NewHTTPRequest(logger))
	return r
}

// NewHTTPRequest returns the built-in http.request capability. The client is
// shared across invocations; per-step timeouts come in via context.
func NewHTTPRequest(logger *slog.Logger) *Capability {
	client := &http.Client{
		// Step timeouts are enforced via context; this is a safety net.
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}
	log := logger.With("component", "http_tool")

	return &Capability{
		InputSchema:  httpInputSchema,
		OutputSchema: httpOutputSchema,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			var bodyReader io.Reader
			if body, ok := args["body"].(string); ok {
				bodyReader = strings.NewReader(body)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
			if err != nil {
				return nil, PermanentError(fmt.Errorf("build request: %w", err))
			}
			if headers, ok := args["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}

			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				log.ErrorContext(ctx, "request failed", "url", url, "error", err, "duration", time.Since(start))
				return nil, RetryableError(fmt.Errorf("do request: %w", err))
			}
			defer func() { _ = resp.Body.Close() }()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, RetryableError(fmt.Errorf("read response: %w", err))
			}
			_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool

			log.InfoContext(ctx, "received response", "url", url, "status", resp.StatusCode, "duration", time.Since(start))

			out := map[string]any{
				"status": float64(resp.StatusCode),
				"body":   string(respBody),
			}
			switch {
			case resp.StatusCode >= 500:
				return nil, RetryableError(fmt.Errorf("upstream status %d", resp.StatusCode))
			case resp.StatusCode >= 400:
				return nil, PermanentError(fmt.Errorf("upstream status %d", resp.StatusCode))
			}
			return out, nil
		},
	}
}
