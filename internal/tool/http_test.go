package tool_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chronotask/chronotask/internal/tool"
)

func invokeHTTP(t *testing.T, handler http.HandlerFunc, args map[string]any) (any, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if _, ok := args["url"]; !ok {
		args["url"] = srv.URL
	}
	cap, err := tool.NewRegistryWithBuiltins(slog.Default()).Resolve("http.request")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return cap.Invoke(context.Background(), args)
}

func TestHTTPRequest_Success(t *testing.T) {
	out, err := invokeHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET default, got %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, map[string]any{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	result, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected object output, got %T", out)
	}
	if result["status"] != float64(200) {
		t.Fatalf("status %v, want 200", result["status"])
	}
	if result["body"] != `{"ok":true}` {
		t.Fatalf("unexpected body %q", result["body"])
	}
}

func TestHTTPRequest_MethodHeadersBody(t *testing.T) {
	_, err := invokeHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Fatal("header not forwarded")
		}
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		if string(buf[:n]) != "payload" {
			t.Fatalf("body not forwarded: %q", buf[:n])
		}
	}, map[string]any{
		"method":  "POST",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    "payload",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestHTTPRequest_ServerErrorIsRetryable(t *testing.T) {
	_, err := invokeHTTP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, map[string]any{})

	var toolErr *tool.Error
	if !errors.As(err, &toolErr) || !toolErr.Retryable {
		t.Fatalf("expected retryable tool error, got %v", err)
	}
}

func TestHTTPRequest_ClientErrorIsPermanent(t *testing.T) {
	_, err := invokeHTTP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, map[string]any{})

	var toolErr *tool.Error
	if !errors.As(err, &toolErr) || toolErr.Retryable {
		t.Fatalf("expected permanent tool error, got %v", err)
	}
}

func TestHTTPRequest_TransportErrorIsRetryable(t *testing.T) {
	cap, err := tool.NewRegistryWithBuiltins(slog.Default()).Resolve("http.request")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err = cap.Invoke(context.Background(), map[string]any{"url": "http://127.0.0.1:1/nothing"})
	var toolErr *tool.Error
	if !errors.As(err, &toolErr) || !toolErr.Retryable {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestRegistry_UnknownAddress(t *testing.T) {
	reg := tool.NewRegistry()
	if _, err := reg.Resolve("ghost.tool"); !errors.Is(err, tool.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
