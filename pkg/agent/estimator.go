package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/precious112/Argus/pkg/llm"
)

// messageOverhead approximates the framing cost (role markers, separators)
// providers add on top of a message's content tokens.
const messageOverhead = 10

// Estimator counts tokens with the cl100k_base encoding, which is a close
// enough approximation across providers for budget admission. When the
// encoding cannot be loaded it falls back to a bytes/4 heuristic.
type Estimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewEstimator loads the cl100k_base encoding.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// Count returns the token count of one text.
func (e *Estimator) Count(text string) int {
	if e.enc == nil {
		return len(text) / 4
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt cost of a conversation, including tool
// call arguments and the per-message framing overhead.
func (e *Estimator) CountMessages(msgs []llm.ConversationMessage) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += e.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += e.Count(tc.Name) + e.Count(tc.Arguments)
		}
	}
	return total
}
