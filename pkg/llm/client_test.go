package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsProvider(t *testing.T) {
	for _, provider := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini} {
		t.Run(provider, func(t *testing.T) {
			client, err := New(Config{Provider: provider, Model: "m", APIKey: "k"}, discardLogger())
			require.NoError(t, err)
			require.NotNil(t, client)
			assert.NoError(t, client.Close())
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "cohere", Model: "m", APIKey: "k"}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewRequiresModelAndKey(t *testing.T) {
	_, err := New(Config{Provider: ProviderOpenAI, APIKey: "k"}, discardLogger())
	assert.Error(t, err)

	_, err = New(Config{Provider: ProviderOpenAI, Model: "m"}, discardLogger())
	assert.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{429, CodeRateLimited, true},
		{500, CodeUpstreamUnavailable, true},
		{503, CodeUpstreamUnavailable, true},
		{529, CodeUpstreamUnavailable, true},
		{401, CodeUnauthorized, false},
		{403, CodeUnauthorized, false},
		{400, CodeInvalidRequest, false},
		{404, CodeInvalidRequest, false},
	}
	for _, tc := range cases {
		code, retryable := classifyStatus(tc.status)
		assert.Equal(t, tc.code, code, "status %d", tc.status)
		assert.Equal(t, tc.retryable, retryable, "status %d", tc.status)
	}
}

func TestScriptedClientReplaysTurnsInOrder(t *testing.T) {
	scripted := NewScriptedClient(
		[]Chunk{&TextChunk{Content: "first"}},
	)
	scripted.Enqueue(&TextChunk{Content: "second"})

	ch, err := scripted.Generate(context.Background(), &GenerateInput{RunID: "a"})
	require.NoError(t, err)
	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "first", chunks[0].(*TextChunk).Content)

	ch, err = scripted.Generate(context.Background(), &GenerateInput{RunID: "b"})
	require.NoError(t, err)
	chunks = collect(t, ch)
	assert.Equal(t, "second", chunks[0].(*TextChunk).Content)

	// Third call has no script left.
	_, err = scripted.Generate(context.Background(), &GenerateInput{})
	assert.Error(t, err)

	calls := scripted.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].RunID)
	assert.Equal(t, "b", calls[1].RunID)
}
