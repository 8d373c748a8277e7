package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Embedding implements core.EmbeddingProvider over OpenAI's /embeddings
// endpoint (and any OpenAI-compatible equivalent).
type Embedding struct {
	apiKey  string
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewEmbedding creates an OpenAI-compatible embedding provider. dims must
// match the model's actual output size; it is reported via Dimensions()
// and never validated against a live response.
func NewEmbedding(apiKey, baseURL, model string, dims int) *Embedding {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Embedding{apiKey: apiKey, baseURL: baseURL, model: model, dims: dims, client: &http.Client{}}
}

var _ core.EmbeddingProvider = (*Embedding)(nil)

func (e *Embedding) Name() string    { return "openai" }
func (e *Embedding) Dimensions() int { return e.dims }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed batches all texts into a single request: the OpenAI embeddings
// endpoint natively accepts an array input, unlike the chat completions
// endpoint which is strictly one call per request.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: build embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &core.ErrLLM{Provider: "openai", Kind: core.ErrTransient, Message: "transport: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}

	var wire embedResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("openai: decode embed response: %w", err)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range wire.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}
