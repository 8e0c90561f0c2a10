package llm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	scripted := NewScriptedClient(
		[]Chunk{&ErrorChunk{Message: "overloaded", Code: CodeUpstreamUnavailable, Retryable: true}},
		[]Chunk{&TextChunk{Content: "all good"}, &UsageChunk{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}},
	)
	client := WithRetry(scripted, discardLogger(), RetryBaseDelay(time.Millisecond))

	ch, err := client.Generate(context.Background(), &GenerateInput{RunID: "r1"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "all good", chunks[0].(*TextChunk).Content)
	assert.Equal(t, 7, chunks[1].(*UsageChunk).TotalTokens)
	assert.Len(t, scripted.Calls(), 2)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := []Chunk{&ErrorChunk{Message: "overloaded", Code: CodeUpstreamUnavailable, Retryable: true}}
	scripted := NewScriptedClient(transient, transient, transient, transient)
	client := WithRetry(scripted, discardLogger(), RetryBaseDelay(time.Millisecond))

	ch, err := client.Generate(context.Background(), &GenerateInput{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	errChunk := chunks[0].(*ErrorChunk)
	assert.Equal(t, CodeUpstreamUnavailable, errChunk.Code)
	// Initial attempt plus three retries.
	assert.Len(t, scripted.Calls(), 4)
}

func TestRetryDoesNotReplayAfterContentStreamed(t *testing.T) {
	scripted := NewScriptedClient(
		[]Chunk{
			&TextChunk{Content: "partial answer"},
			&ErrorChunk{Message: "connection reset", Code: CodeUpstreamUnavailable, Retryable: true},
		},
	)
	client := WithRetry(scripted, discardLogger(), RetryBaseDelay(time.Millisecond))

	ch, err := client.Generate(context.Background(), &GenerateInput{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial answer", chunks[0].(*TextChunk).Content)
	assert.Equal(t, CodeUpstreamUnavailable, chunks[1].(*ErrorChunk).Code)
	assert.Len(t, scripted.Calls(), 1)
}

func TestRetrySkipsNonRetryableErrors(t *testing.T) {
	scripted := NewScriptedClient(
		[]Chunk{&ErrorChunk{Message: "bad key", Code: CodeUnauthorized, Retryable: false}},
	)
	client := WithRetry(scripted, discardLogger(), RetryBaseDelay(time.Millisecond))

	ch, err := client.Generate(context.Background(), &GenerateInput{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, CodeUnauthorized, chunks[0].(*ErrorChunk).Code)
	assert.Len(t, scripted.Calls(), 1)
}

func TestRetryAttemptsOption(t *testing.T) {
	transient := []Chunk{&ErrorChunk{Message: "overloaded", Code: CodeRateLimited, Retryable: true}}
	scripted := NewScriptedClient(transient, transient)
	client := WithRetry(scripted, discardLogger(), RetryAttempts(1), RetryBaseDelay(time.Millisecond))

	ch, err := client.Generate(context.Background(), &GenerateInput{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Len(t, scripted.Calls(), 2)
}
