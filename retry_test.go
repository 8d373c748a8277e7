package devopsbot

import (
	"context"
	"net"
	"testing"
	"time"
)

// stubProvider returns pre-configured results in call order.
type stubProvider struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	resp ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) CreateMessage(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return ChatResponse{}, nil
}

var _ Provider = (*stubProvider)(nil)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("hello")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Errorf("got %+v, want text %q", resp.Content, "hello")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesOn503(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("hello")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content[0].Text != "hello" {
		t.Errorf("got %q, want %q", resp.Content[0].Text, "hello")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RetriesOn429(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RetriesTransportFailure(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrLLM{Provider: "openai", Kind: ErrTransient, Message: "transport: dial tcp: connection refused"}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RetriesRawNetError(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &net.DNSError{Err: "no such host", Name: "api.example.com", IsNotFound: true}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryNonTransient(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 400, Body: "bad request"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 400)", stub.calls)
	}
}

func TestWithRetry_RetriesOnLLMTransientKind(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrLLM{Provider: "anthropic", Kind: ErrTransient, Message: "overloaded"}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryLLMPermanentKind(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrLLM{Provider: "anthropic", Kind: ErrPermanent, Message: "bad api key"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	transient := stubResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &stubProvider{results: []stubResult{transient, transient, transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error after max attempts, got nil")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_WithTools(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("done")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.CreateMessage(context.Background(), ChatRequest{
		Tools: []ToolDefinition{{Name: "test"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RespectsRetryAfter(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited", RetryAfter: 1}}, // 1s
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	resp, err := p.CreateMessage(context.Background(), ChatRequest{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("got %q, want %q", resp.Content[0].Text, "ok")
	}
	if elapsed < 800*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~1s from Retry-After", elapsed)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_TimeoutExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 1}},
		{err: &ErrHTTP{Status: 429, RetryAfter: 1}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error due to timeout, got nil")
	}
	if stub.calls > 2 {
		t.Errorf("got %d calls, expected at most 2 with 50ms timeout", stub.calls)
	}
}

func TestWithRetry_TimeoutAllowsSuccess(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(5*time.Second))

	resp, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("got %q, want %q", resp.Content[0].Text, "ok")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}
