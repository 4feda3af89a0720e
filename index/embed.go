package index

import (
	"context"
	"time"

	embedLib "github.com/fabiustech/openai"
	embedModelLib "github.com/fabiustech/openai/models"
	. "github.com/stevegt/goadapt"
)

// Embedder turns texts into embedding vectors, one per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// OpenAIEmbedder creates embeddings with the OpenAI API.
type OpenAIEmbedder struct {
	client  *embedLib.Client
	retries int
}

// NewOpenAIEmbedder returns an embedder using apiKey.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: embedLib.NewClient(apiKey), retries: 5}
}

// Embed implements Embedder.  Empty texts get a nil embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) (embeddings [][]float64, err error) {
	defer Return(&err)
	for i, text := range texts {
		if len(text) == 0 {
			embeddings = append(embeddings, nil)
			continue
		}
		req := &embedLib.EmbeddingRequest{
			Input: []string{text},
			Model: embedModelLib.AdaEmbeddingV2,
		}
		Debug("creating embedding for chunk %d of %d ...", i+1, len(texts))
		var res *embedLib.EmbeddingResponse
		// back off and retry on API errors
		for backoff := 1; backoff <= e.retries; backoff++ {
			res, err = e.client.CreateEmbeddings(ctx, req)
			if err == nil || ctx.Err() != nil {
				break
			}
			Debug("openai API error, retrying: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second * time.Duration(backoff)):
			}
		}
		Ck(err, "%T: %v", err, err)
		Assert(len(res.Data) == 1, "expected 1 embedding, got %d", len(res.Data))
		embeddings = append(embeddings, res.Data[0].Embedding)
	}
	Debug("created %d embeddings", len(embeddings))
	return
}

var _ Embedder = (*OpenAIEmbedder)(nil)
