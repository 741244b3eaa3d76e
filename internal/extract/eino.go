package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"ocrdrop/internal/config"
)

// Eino extracts text through an eino chat model (OpenAI or Claude).
type Eino struct {
	chatModel model.BaseChatModel
}

// NewEino builds the chat model for cfg.Provider.
func NewEino(cfg config.ExtractionConfig) (*Eino, error) {
	ctx := context.Background()
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		openaiCfg := &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		}
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			openaiCfg.MaxTokens = &maxTokens
		}
		chatModel, err = openai.NewChatModel(ctx, openaiCfg)
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid eino provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return &Eino{chatModel: chatModel}, nil
}

// NewEinoWithModel wraps an existing chat model.
func NewEinoWithModel(m model.BaseChatModel) *Eino {
	return &Eino{chatModel: m}
}

func (e *Eino) Extract(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := e.chatModel.Stream(ctx, []*schema.Message{imageMessage(req)})
		if err != nil {
			yield("", fmt.Errorf("open model stream: %w", err))
			return
		}
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("model stream: %w", err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}
}

func imageMessage(req Request) *schema.Message {
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: req.Instruction},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      "data:" + req.MIMEType + ";base64," + req.Data,
					MIMEType: req.MIMEType,
				},
			},
		},
	}
}
