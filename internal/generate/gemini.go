package generate

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"datanerd/internal/logging"
)

// GeminiGenerator produces programs through the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiGenerator creates a Gemini-backed generator.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, temperature float64) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiGenerator{
		client:      client,
		model:       model,
		temperature: float32(temperature),
	}, nil
}

// Generate requests one program. Transport and API failures map to
// ErrUnavailable; an unusable response body is its own error so the caller
// can tell the two apart in repair feedback.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	timer := logging.StartTimer(logging.CategoryGenerator, "generate")
	defer timer.Stop()

	prompt := BuildPrompt(req)
	logging.GeneratorDebug("prompt length %d bytes (repair=%v)", len(prompt), req.Feedback != nil)

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(g.temperature),
		},
	)
	if err != nil {
		logging.GeneratorError("Gemini call failed: %v", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text := resp.Text()
	if text == "" {
		logging.GeneratorError("Gemini returned empty response")
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	program, err := ExtractProgram(text)
	if err != nil {
		return "", fmt.Errorf("unusable response: %w", err)
	}
	logging.Generator("generated %d-byte program with %s", len(program), g.model)
	return program, nil
}
