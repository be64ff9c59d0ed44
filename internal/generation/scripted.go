package generation

import (
	"context"
	"io"
	"sync"
)

// ScriptedEngine replays a fixed sequence of chunks, optionally ending in an
// error instead of EOF. It exists for tests and local development.
type ScriptedEngine struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	startErr error

	prompts []string
}

// NewScripted builds an engine that streams the given chunks then EOF.
func NewScripted(chunks ...string) *ScriptedEngine {
	return &ScriptedEngine{chunks: chunks}
}

// FailAfterChunks makes the stream return err after the scripted chunks
// instead of io.EOF.
func (e *ScriptedEngine) FailAfterChunks(err error) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	return e
}

// FailOnStart makes Generate itself fail.
func (e *ScriptedEngine) FailOnStart(err error) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
	return e
}

// Prompts returns every prompt Generate has been called with.
func (e *ScriptedEngine) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.prompts))
	copy(out, e.prompts)
	return out
}

func (e *ScriptedEngine) Generate(ctx context.Context, prompt string, _ int) (Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	if e.startErr != nil {
		return nil, e.startErr
	}
	chunks := make([]string, len(e.chunks))
	copy(chunks, e.chunks)
	return &scriptedStream{ctx: ctx, chunks: chunks, err: e.err}, nil
}

type scriptedStream struct {
	ctx    context.Context
	chunks []string
	next   int
	err    error
}

func (s *scriptedStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.next < len(s.chunks) {
		chunk := s.chunks[s.next]
		s.next++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }
