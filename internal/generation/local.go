package generation

import (
	"context"
	"fmt"
	"strings"
)

// LocalEngine is a provider-free engine that streams a deterministic
// placeholder explanation. It keeps the service runnable end to end when no
// provider credentials are configured; wiring a real provider means
// implementing Engine against its SDK.
type LocalEngine struct {
	chunkWords int
}

// NewLocal creates an engine streaming in chunks of chunkWords words.
func NewLocal(chunkWords int) *LocalEngine {
	if chunkWords <= 0 {
		chunkWords = 4
	}
	return &LocalEngine{chunkWords: chunkWords}
}

func (e *LocalEngine) Generate(ctx context.Context, prompt string, _ int) (Stream, error) {
	text := fmt.Sprintf(
		"This is a locally generated explanation. No generation provider is "+
			"configured, so the service answers with this placeholder instead "+
			"of a model response. The request prompt was %d characters long.",
		len(prompt),
	)
	words := strings.Fields(text)

	var chunks []string
	for i := 0; i < len(words); i += e.chunkWords {
		end := min(i+e.chunkWords, len(words))
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return &scriptedStream{ctx: ctx, chunks: chunks}, nil
}

var _ Engine = (*LocalEngine)(nil)
