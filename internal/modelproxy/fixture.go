package modelproxy

import "context"

// Fixture is a deterministic Proxy for tests: it returns Content
// unconditionally and reports a token count proportional to input length,
// avoiding any dependency on wall-clock time or real model latency.
type Fixture struct {
	Content string
}

func (f Fixture) Complete(ctx context.Context, systemPrompt, userMessage string) (Response, error) {
	return Response{
		Content: f.Content,
		TokensUsed: TokensUsed{
			Input:  len(systemPrompt) + len(userMessage),
			Output: len(f.Content),
		},
	}, nil
}
