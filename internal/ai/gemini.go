// Package ai adapts Gemini to the reconciliation engine: it extracts amounts,
// currencies and dates from inbox documents and scores how well an inbox
// item matches a transaction.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultModelName is the Gemini model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

// Generator turns a prompt plus optional inline documents into model text.
type Generator interface {
	Generate(ctx context.Context, parts []*genai.Part) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, parts []*genai.Part) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, parts []*genai.Part) (string, error) {
	return f(ctx, parts)
}

// Gemini is a Generator backed by the Gemini API. Credentials come from the
// environment (GOOGLE_API_KEY or Vertex settings).
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, model string, timeout time.Duration) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGemini: create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModelName
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Generate sends one user turn and returns the response text.
func (g *Gemini) Generate(ctx context.Context, parts []*genai.Part) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("Generate: generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("Generate: empty response from model")
	}
	return text, nil
}

// cleanModelJSON strips Markdown fences and any prose around the first JSON
// object in a model reply.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the opening fence line (``` or ```json).
		idx := strings.Index(s, "\n")
		if idx == -1 {
			return s
		}
		s = strings.TrimSpace(s[idx+1:])
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

const jsonRules = "Return ONLY valid raw JSON.\n" +
	"Do NOT wrap the response in code fences.\n" +
	"Do NOT use ```json or any Markdown.\n" +
	"Output must begin with \"{\" and end with \"}\".\n"
