// Package accountant ties one generation stream to one quota reservation.
// It accumulates output tokens chunk by chunk, enforces the hard output
// ceiling by cancelling upstream, and guarantees the reservation is settled
// exactly once no matter how the stream terminates.
package accountant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"explaind/internal/generation"
	"explaind/internal/quota/service/limiter"
	"explaind/internal/quota/tokens"
	dErrors "explaind/pkg/domain-errors"
)

// Attempt describes one admitted generation request.
type Attempt struct {
	Prompt          string
	InputTokens     int
	Topic           string
	ContextUsed     bool
	MaxOutputTokens int
}

// Result is the settled outcome of one attempt. Completed means the stream
// reached its natural end; Truncated means the output ceiling, a client
// disconnect, or a cancellation cut it short. ErrMsg records an upstream
// failure that still produced billable output.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Truncated    bool
	Completed    bool
	ErrMsg       string
}

// Accountant drives generation streams against the admission controller.
type Accountant struct {
	engine    generation.Engine
	limiter   *limiter.Service
	estimator *tokens.Estimator
	logger    *slog.Logger
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accountant) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds an accountant over the given engine and admission controller.
func New(engine generation.Engine, lim *limiter.Service, estimator *tokens.Estimator, opts ...Option) (*Accountant, error) {
	if engine == nil || lim == nil || estimator == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "engine, limiter and estimator are required")
	}
	a := &Accountant{
		engine:    engine,
		limiter:   lim,
		estimator: estimator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Generate runs one admitted attempt to completion and settles res. Each
// chunk is forwarded to onChunk before the next Recv, so a slow or gone
// client backpressures the stream naturally. Settlement uses a context
// detached from ctx: a cancelled request must still be billed.
//
// Terminal handling: natural EOF and every cancellation (user, client
// disconnect, output ceiling) commit the actual usage. An upstream failure
// after output was produced commits the partial usage — those tokens were
// billed by the provider. Only a failure before the first chunk releases
// the reservation.
func (a *Accountant) Generate(ctx context.Context, res *limiter.Reservation, att Attempt, onChunk func(string) error) (*Result, error) {
	settleCtx := context.WithoutCancel(ctx)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := a.engine.Generate(genCtx, att.Prompt, att.MaxOutputTokens)
	if err != nil {
		if relErr := a.limiter.Release(settleCtx, res, err.Error()); relErr != nil {
			a.logger.ErrorContext(ctx, "release after failed generation start failed",
				"user_id", res.UserID(), "error", relErr)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "generation start failed")
	}
	defer stream.Close()

	var (
		text         strings.Builder
		outputTokens int
		chunks       int
		truncated    bool
		upstreamErr  error
	)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				truncated = true
			default:
				upstreamErr = err
			}
			break
		}

		chunks++
		text.WriteString(chunk)
		outputTokens += a.estimator.Estimate(chunk).Tokens

		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				// Client is gone; stop the provider and bill what was sent.
				truncated = true
				cancel()
				break
			}
		}
		if outputTokens >= att.MaxOutputTokens {
			truncated = true
			cancel()
			break
		}
	}

	if upstreamErr != nil && chunks == 0 {
		if relErr := a.limiter.Release(settleCtx, res, upstreamErr.Error()); relErr != nil {
			a.logger.ErrorContext(ctx, "release after zero-output failure failed",
				"user_id", res.UserID(), "error", relErr)
			return nil, relErr
		}
		return nil, dErrors.Wrap(upstreamErr, dErrors.CodeUpstream, "generation failed before any output")
	}

	result := &Result{
		Text:         text.String(),
		InputTokens:  att.InputTokens,
		OutputTokens: outputTokens,
		Truncated:    truncated,
		Completed:    !truncated && upstreamErr == nil,
	}
	usage := limiter.Usage{
		InputTokens:  att.InputTokens,
		OutputTokens: outputTokens,
		Topic:        att.Topic,
		ContextUsed:  att.ContextUsed,
	}
	if upstreamErr != nil {
		result.ErrMsg = upstreamErr.Error()
		usage.ErrMsg = upstreamErr.Error()
		a.logger.WarnContext(ctx, "generation failed mid-stream, committing partial usage",
			"user_id", res.UserID(), "chunks", chunks, "output_tokens", outputTokens,
			"error", upstreamErr)
	}

	if _, err := a.limiter.Commit(settleCtx, res, usage); err != nil {
		return nil, err
	}
	return result, nil
}
