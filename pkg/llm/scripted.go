package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedClient replays canned chunk streams, one script per Generate call.
// Tests use it to drive the run loop without a provider; it records every
// input it saw.
type ScriptedClient struct {
	mu         sync.Mutex
	turns      [][]Chunk
	calls      []*GenerateInput
	chunkDelay time.Duration
	failWith   error
	closed     bool
}

// NewScriptedClient builds a client that replays the given turns in order.
func NewScriptedClient(turns ...[]Chunk) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Enqueue appends another scripted turn.
func (s *ScriptedClient) Enqueue(chunks ...Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, chunks)
}

// FailWith makes the next Generate call return err instead of a stream.
func (s *ScriptedClient) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// SetChunkDelay inserts a pause before each chunk, letting tests exercise
// mid-stream cancellation.
func (s *ScriptedClient) SetChunkDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkDelay = d
}

// Calls returns the inputs passed to Generate so far.
func (s *ScriptedClient) Calls() []*GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*GenerateInput, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("llm: scripted client closed")
	}
	s.calls = append(s.calls, input)
	if err := s.failWith; err != nil {
		s.failWith = nil
		s.mu.Unlock()
		return nil, err
	}
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("llm: scripted client has no turns left")
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	delay := s.chunkDelay
	s.mu.Unlock()

	out := make(chan Chunk, len(turn)+1)
	go func() {
		defer close(out)
		for _, chunk := range turn {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					out <- errorChunkFromContext(ctx)
					return
				}
			}
			if !send(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}

func (s *ScriptedClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
