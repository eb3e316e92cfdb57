package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func okResponse(content string) string {
	return `{
		"choices": [{"message": {"role": "assistant", "content": ` + jsonString(content) + `}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4}
	}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newTestClient(url string, mutate func(*Config)) *Client {
	cfg := Config{
		BaseURL:     url,
		APIKey:      "sk-test",
		Model:       "test-model",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

// --- Happy path ---

func TestComplete_Success(t *testing.T) {
	var gotAuth string
	var gotReq wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(okResponse("the answer")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	reply, err := c.Complete(context.Background(), "be helpful",
		[]Message{{Role: "user", Content: "question"}}, Options{MaxTokens: 256})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if reply.Content != "the answer" {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.TokensIn != 10 || reply.TokensOut != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", reply.TokensIn, reply.TokensOut)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system prompt first", gotReq.Messages)
	}
	if gotReq.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", gotReq.MaxTokens)
	}
}

func TestComplete_ToolCallsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "list_prps", "arguments": "{\"status\":\"active\"}"}}]
			}}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	reply, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "list"}}, Options{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(reply.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(reply.ToolCalls))
	}
	tc := reply.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "list_prps" || tc.Arguments != `{"status":"active"}` {
		t.Errorf("tool call = %+v", tc)
	}
}

// --- Retry behavior ---

func TestComplete_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(okResponse("finally")))
	}))
	defer srv.Close()

	var retried atomic.Int32
	c := newTestClient(srv.URL, func(cfg *Config) {
		cfg.OnRetry = func(attempt int, reason string) { retried.Add(1) }
	})

	reply, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "q"}}, Options{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply.Content != "finally" {
		t.Errorf("content = %q", reply.Content)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if retried.Load() != 1 {
		t.Errorf("retry observer fired %d times, want 1", retried.Load())
	}
}

func TestComplete_ExhaustedRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, func(cfg *Config) { cfg.MaxAttempts = 2 })

	_, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "q"}}, Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 (MaxAttempts)", hits.Load())
	}
}

func TestComplete_BadRequestNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)

	_, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "q"}}, Options{})
	var badReq *BadRequestError
	if !errors.As(err, &badReq) {
		t.Fatalf("err = %v, want *BadRequestError", err)
	}
	if badReq.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", badReq.Status)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 (no retry on 4xx)", hits.Load())
	}
}

func TestComplete_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, "", []Message{{Role: "user", Content: "q"}}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Complete honored a 30s Retry-After past its context")
	}
}

// --- Backoff ---

func TestBackoff(t *testing.T) {
	if got := backoff(1, 0); got != 500*time.Millisecond {
		t.Errorf("backoff(1) = %v, want 500ms", got)
	}
	if got := backoff(2, 0); got != time.Second {
		t.Errorf("backoff(2) = %v, want 1s", got)
	}
	if got := backoff(1, 7*time.Second); got != 7*time.Second {
		t.Errorf("backoff with Retry-After = %v, want 7s", got)
	}
}

// --- Decoding ---

func TestDecodeReply_ProviderError(t *testing.T) {
	_, err := decodeReply([]byte(`{"error": {"message": "model overloaded"}}`))
	if err == nil {
		t.Fatal("expected provider error")
	}
}

func TestDecodeReply_EmptyChoices(t *testing.T) {
	_, err := decodeReply([]byte(`{"choices": []}`))
	if err == nil {
		t.Fatal("expected error on empty choices")
	}
}

// --- Concurrency bound ---

func TestComplete_MaxInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(okResponse("ok")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, func(cfg *Config) { cfg.MaxInFlight = 2 })

	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := c.Complete(context.Background(), "", []Message{{Role: "user", Content: "q"}}, Options{})
			done <- err
		}()
	}
	for i := 0; i < 6; i++ {
		if err := <-done; err != nil {
			t.Errorf("Complete failed: %v", err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
}
