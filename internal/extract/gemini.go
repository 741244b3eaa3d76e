package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"sync"

	"google.golang.org/genai"

	"ocrdrop/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// contentStreamer is the slice of genai.Models the extractor calls.
type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Gemini extracts text with the Gemini API.
type Gemini struct {
	cfg config.ExtractionConfig

	mu     sync.Mutex
	models contentStreamer
	// newModels is swapped in tests.
	newModels func(ctx context.Context) (contentStreamer, error)
}

// NewGemini returns an extractor whose client is created on first use, so a
// missing API key only fails individual requests.
func NewGemini(cfg config.ExtractionConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	g := &Gemini{cfg: cfg}
	g.newModels = g.dial
	return g
}

func (g *Gemini) dial(ctx context.Context) (contentStreamer, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  g.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client.Models, nil
}

func (g *Gemini) client(ctx context.Context) (contentStreamer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.models != nil {
		return g.models, nil
	}
	m, err := g.newModels(ctx)
	if err != nil {
		return nil, err
	}
	g.models = m
	return m, nil
}

func (g *Gemini) Extract(ctx context.Context, req Request) iter.Seq2[string, error] {
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return errSeq(fmt.Errorf("decode image payload: %w", err))
	}
	return func(yield func(string, error) bool) {
		models, err := g.client(ctx)
		if err != nil {
			yield("", err)
			return
		}
		parts := []*genai.Part{
			genai.NewPartFromText(req.Instruction),
			genai.NewPartFromBytes(data, req.MIMEType),
		}
		contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
		var genCfg *genai.GenerateContentConfig
		if g.cfg.MaxTokens > 0 {
			genCfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(g.cfg.MaxTokens)}
		}

		for chunk, err := range models.GenerateContentStream(ctx, g.cfg.Model, contents, genCfg) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			text := chunkText(chunk)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func chunkText(rsp *genai.GenerateContentResponse) string {
	if rsp == nil {
		return ""
	}
	var out string
	for _, candidate := range rsp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			out += part.Text
		}
	}
	return out
}
