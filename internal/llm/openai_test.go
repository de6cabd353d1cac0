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

func mockOpenAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q, want bearer test-key", got)
		}
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req openAIChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
				http.Error(w, "unexpected messages", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"content": "mock completion"}},
				},
			})
		case "/v1/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"embedding": []float64{0.25, -0.5, 1.0}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func mockOpenAIErrorServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, body, status)
	}))
}

func TestOpenAIComplete(t *testing.T) {
	server := mockOpenAIServer(t)
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	got, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "mock completion" {
		t.Errorf("Complete() = %q, want %q", got, "mock completion")
	}
}

func TestOpenAICompleteServerError(t *testing.T) {
	server := mockOpenAIErrorServer(http.StatusTooManyRequests, "rate limited")
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Complete() expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestOpenAICompleteNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	_, err := client.Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Errorf("Complete() error = %v, want no-choices failure", err)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	server := mockOpenAIServer(t)
	defer server.Close()

	client := NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	vec, err := client.Embed(context.Background(), "台北101")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	want := []float32{0.25, -0.5, 1.0}
	if len(vec) != len(want) {
		t.Fatalf("Embed() returned %d dims, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestOpenAIEmbedEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	_, err := client.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "empty embedding") {
		t.Errorf("Embed() error = %v, want empty-embedding failure", err)
	}
}
