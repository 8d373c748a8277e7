package search

import (
	"math"
	"strings"
	"testing"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	sim := cosineSimilarity(a, a)
	if math.Abs(float64(sim)-1.0) > 0.001 {
		t.Errorf("expected ~1.0, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	sim := cosineSimilarity(a, b)
	if math.Abs(float64(sim)) > 0.001 {
		t.Errorf("expected ~0, got %f", sim)
	}
}

func TestCosineSimilarityEmpty(t *testing.T) {
	sim := cosineSimilarity(nil, nil)
	if sim != 0 {
		t.Errorf("expected 0, got %f", sim)
	}
}

func TestFormatRankedResults(t *testing.T) {
	ranked := []rankedChunk{
		{Text: "first result", SourceIndex: 0, SourceTitle: "Title A", Score: 0.95},
		{Text: "second result", SourceIndex: 1, SourceTitle: "Title B", Score: 0.80},
	}
	results := []resultWithContent{
		{Result: braveResult{Title: "Title A", URL: "https://a.com"}},
		{Result: braveResult{Title: "Title B", URL: "https://b.com"}},
	}

	out := formatRankedResults(ranked, results)
	if !strings.Contains(out, "first result") {
		t.Error("missing first result")
	}
	if !strings.Contains(out, "https://a.com") {
		t.Error("missing source URL")
	}
	if !strings.Contains(out, "Sources:") {
		t.Error("missing sources section")
	}
}

func TestToolIdentity(t *testing.T) {
	tool := &Tool{braveAPIKey: "test-key"}
	if tool.Name() != "web_search" {
		t.Errorf("wrong name: %s", tool.Name())
	}
	if tool.Category() != core.CategorySearch {
		t.Errorf("wrong category: %s", tool.Category())
	}
}

func TestChunkTextSplitsOnParagraphs(t *testing.T) {
	text := "first paragraph\nsecond paragraph\nthird paragraph"
	chunks := chunkText(text, 18)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) > 18 && !strings.Contains(c, "\n") {
			t.Errorf("chunk exceeds maxChars with no paragraph break: %q", c)
		}
	}
}

func TestChunkTextHardCutsLongParagraph(t *testing.T) {
	long := strings.Repeat("x", 1000)
	chunks := chunkText(long, 100)
	for _, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk exceeds maxChars: %d", len(c))
		}
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := chunkText("", 100); len(chunks) != 0 {
		t.Errorf("expected no chunks for empty input, got %v", chunks)
	}
}
