package llm

import (
	"context"
	"log/slog"
	"time"
)

// retryClient wraps a Client and transparently retries calls that fail with
// a retryable ErrorChunk before any content has streamed. Once a chunk has
// been forwarded the stream cannot be replayed, so later failures pass
// through untouched.
type retryClient struct {
	inner      Client
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryClient)

// RetryAttempts sets how many retries follow the initial call (default 3).
func RetryAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxRetries = n }
}

// RetryBaseDelay sets the delay before the first retry (default 100ms).
// Each subsequent delay quadruples: 100ms, 400ms, 1.6s.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// WithRetry wraps c with transient-failure retries.
func WithRetry(c Client, logger *slog.Logger, opts ...RetryOption) Client {
	if logger == nil {
		logger = slog.Default()
	}
	r := &retryClient{
		inner:      c,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		logger:     logger.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	stream, err := r.inner.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, chunkBuffer)
	go r.pump(ctx, input, stream, out)
	return out, nil
}

func (r *retryClient) Close() error { return r.inner.Close() }

func (r *retryClient) pump(ctx context.Context, input *GenerateInput, stream <-chan Chunk, out chan<- Chunk) {
	defer close(out)

	for attempt := 0; ; attempt++ {
		retry, forwarded, ok := r.forward(ctx, stream, out)
		if !ok || retry == nil {
			return
		}
		if forwarded || attempt >= r.maxRetries {
			send(ctx, out, retry)
			return
		}

		delay := r.baseDelay << (2 * uint(attempt))
		r.logger.Warn("retrying model call",
			"code", retry.Code,
			"attempt", attempt+1,
			"max_retries", r.maxRetries,
			"delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			send(ctx, out, errorChunkFromContext(ctx))
			return
		case <-timer.C:
		}

		next, err := r.inner.Generate(ctx, input)
		if err != nil {
			send(ctx, out, &ErrorChunk{Message: err.Error(), Code: CodeInternal})
			return
		}
		stream = next
	}
}

// forward relays chunks until the stream closes. A retryable error seen
// before any forwarded chunk is held back and returned for the retry loop;
// everything else passes through. ok is false when the consumer went away.
func (r *retryClient) forward(ctx context.Context, in <-chan Chunk, out chan<- Chunk) (retry *ErrorChunk, forwarded, ok bool) {
	for chunk := range in {
		if ec, isErr := chunk.(*ErrorChunk); isErr && ec.Retryable && !forwarded && retry == nil {
			retry = ec
			continue // providers close the stream right after an error
		}
		if !send(ctx, out, chunk) {
			return nil, forwarded, false
		}
		forwarded = true
	}
	return retry, forwarded, true
}
