package ai

import "context"

// TextGenerator produces a raw payload from a system prompt and user prompt.
// The payload is treated as opaque text by callers and stored verbatim;
// providers are asked for JSON output but a reply is never validated here.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
