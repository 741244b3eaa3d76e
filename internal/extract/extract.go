// Package extract talks to the hosted model that turns an image into
// markdown text.
package extract

import (
	"context"
	"fmt"
	"iter"

	"ocrdrop/internal/config"
)

// DefaultInstruction is sent alongside every image.
const DefaultInstruction = "Extract all text from this image. Format the output as markdown, " +
	"including headings, lists, and tables where appropriate. " +
	"Return only the extracted text without any commentary."

// Request is one extraction call.
type Request struct {
	Instruction string
	// Data is the base64-encoded image.
	Data     string
	MIMEType string
}

// Extractor streams the text recognised in an image. The returned sequence
// is lazy and can be ranged over once; ranging stops at the first error.
type Extractor interface {
	Extract(ctx context.Context, req Request) iter.Seq2[string, error]
}

// New builds the extractor named in cfg.Provider.
func New(cfg config.ExtractionConfig) (Extractor, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGemini(cfg), nil
	case "openai", "claude":
		return NewEino(cfg)
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", cfg.Provider)
	}
}

// Instruction returns the configured instruction or the default one.
func Instruction(cfg config.ExtractionConfig) string {
	if cfg.Instruction != "" {
		return cfg.Instruction
	}
	return DefaultInstruction
}

func errSeq(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
