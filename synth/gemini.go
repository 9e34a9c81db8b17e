package synth

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/hazyhaar/seopilot/connectivity"
)

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini transport.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
}

// GeminiHandler returns a connectivity.Handler that sends the payload as a
// user prompt to Gemini and returns the JSON text of the answer. Pair it
// with PromptRequest.
func GeminiHandler(ctx context.Context, cfg GeminiConfig) (connectivity.Handler, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("synth: gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("synth: gemini client: %w", err)
	}

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(cfg.Temperature),
		SystemInstruction: genai.NewContentFromText(
			"You are an SEO engineer. You answer with JSON rule candidates only.", genai.RoleUser),
	}

	return func(ctx context.Context, payload []byte) ([]byte, error) {
		contents := []*genai.Content{genai.NewContentFromText(string(payload), genai.RoleUser)}
		resp, err := client.Models.GenerateContent(ctx, cfg.Model, contents, genCfg)
		if err != nil {
			return nil, fmt.Errorf("synth: gemini generate: %w", err)
		}
		text := resp.Text()
		if text == "" {
			return nil, errors.New("synth: gemini returned no text")
		}
		return []byte(text), nil
	}, nil
}
