package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAnthropicProvider_Extract_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected path /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header test-key, got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("Expected anthropic-version header, got %s", r.Header.Get("anthropic-version"))
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.MaxTokens != 2000 {
			t.Errorf("Expected default max tokens, got %d", req.MaxTokens)
		}
		if req.System == "" || !strings.Contains(req.Messages[0].Content, "# Claim") {
			t.Error("Expected system prompt and claim in request")
		}

		resp := anthropicResponse{
			ID:    "msg_123",
			Type:  "message",
			Role:  "assistant",
			Model: "claude-3-5-haiku-20241022",
			Content: []anthropicContent{
				{Type: "text", Text: "```json\n" + excerptJSON(t, marginFact, "fact", "supporting") + "\n```"},
			},
			Usage: anthropicUsage{InputTokens: 10, OutputTokens: 20},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	extractor, err := New(Config{Provider: "claude", APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if extractor.Name() != "anthropic" {
		t.Errorf("Expected name anthropic, got %s", extractor.Name())
	}

	res, err := extractor.Extract(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(res.Excerpts) != 1 || res.Excerpts[0].Text != marginFact {
		t.Errorf("Unexpected excerpts %+v", res.Excerpts)
	}
}

func TestAnthropicProvider_Extract_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	extractor, err := New(Config{Provider: "anthropic", APIKey: "bad-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, err = extractor.Extract(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "authentication_error") {
		t.Errorf("Expected API error type in message, got %v", err)
	}
}

func TestAnthropicProvider_Extract_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","content":[]}`))
	}))
	defer server.Close()

	extractor, err := New(Config{Provider: "anthropic", APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if _, err := extractor.Extract(context.Background(), testRequest()); err == nil {
		t.Fatal("Expected error for empty content, got nil")
	}
}

func TestAnthropicProvider_Extract_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{malformed json`))
	}))
	defer server.Close()

	extractor, err := New(Config{Provider: "anthropic", APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if _, err := extractor.Extract(context.Background(), testRequest()); err == nil {
		t.Fatal("Expected error for malformed JSON, got nil")
	}
}
