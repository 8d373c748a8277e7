package devopsbot

import (
	"context"
	"testing"
	"time"
)

func TestWithRateLimit_RPM_AllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("a")}}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("b")}}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content[0].Text != "a" {
		t.Errorf("got %q, want %q", resp.Content[0].Text, "a")
	}
}

func TestWithRateLimit_RPM_BlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("a")}}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("b")}}},
	}}
	p := WithRateLimit(stub, RPM(1))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.CreateMessage(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimit_Name(t *testing.T) {
	stub := &stubProvider{}
	p := WithRateLimit(stub, RPM(10))
	if p.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", p.Name(), "stub")
	}
}

func TestWithRateLimit_TPM_AllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("a")}, Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("b")}, Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRateLimit_TPM_BlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("a")}, Usage: Usage{InputTokens: 500, OutputTokens: 500}}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("b")}, Usage: Usage{InputTokens: 100, OutputTokens: 100}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.CreateMessage(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimit_RPMAndTPM(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("a")}, Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("b")}, Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
	}}
	p := WithRateLimit(stub, RPM(100), TPM(20))

	_, err := p.CreateMessage(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.CreateMessage(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected timeout due to TPM limit")
	}
}

func TestWithRateLimit_WithTools(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: []ContentBlock{TextBlock("ok")}, Usage: Usage{InputTokens: 50, OutputTokens: 50}}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.CreateMessage(context.Background(), ChatRequest{
		Tools: []ToolDefinition{{Name: "test"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("got %q, want %q", resp.Content[0].Text, "ok")
	}
}
