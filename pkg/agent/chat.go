package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/models"
)

// ErrBusy rejects a user message while the session's previous run is still
// streaming. The text is client-visible verbatim.
var ErrBusy = errors.New("Agent is busy, please wait.")

// Chat owns interactive operator sessions, keyed by push connection id.
// Each session carries its own conversation history and allows one run in
// flight at a time.
type Chat struct {
	runner *Runner // nil when no LLM provider is configured
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*chatSession
}

type chatSession struct {
	history []llm.ConversationMessage
	run     *chatRun
}

type chatRun struct {
	id     string
	cancel context.CancelFunc
}

// NewChat builds the chat front end. runner may be nil when the LLM is not
// configured; messages then get a canned reply pointing at the configuration.
func NewChat(runner *Runner, b *bus.Bus, logger *slog.Logger) *Chat {
	return &Chat{
		runner:   runner,
		bus:      b,
		logger:   logger.With("component", "chat"),
		sessions: make(map[string]*chatSession),
	}
}

// HandleUserMessage appends the message to the session history and starts a
// reasoning run for it. The run inherits ctx, which the push layer cancels
// on disconnect, so chat runs are session-scoped. Returns ErrBusy while the
// previous run is still in flight.
func (c *Chat) HandleUserMessage(ctx context.Context, sessionID, content string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		sess = &chatSession{history: []llm.ConversationMessage{
			{Role: llm.RoleSystem, Content: chatSystemPrompt},
		}}
		c.sessions[sessionID] = sess
		go c.reapOnDisconnect(ctx, sessionID)
	}
	if sess.run != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.runner == nil {
		c.mu.Unlock()
		c.replyUnconfigured()
		return nil
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)
	sess.run = &chatRun{id: runID, cancel: cancel}
	sess.history = append(sess.history, llm.ConversationMessage{
		Role: llm.RoleUser, Content: content,
	})
	msgs := make([]llm.ConversationMessage, len(sess.history))
	copy(msgs, sess.history)
	c.mu.Unlock()

	c.logger.Info("Chat run starting", "session_id", sessionID, "run_id", runID)
	go func() {
		defer cancel()
		res := c.runner.Run(runCtx, RunParams{
			RunID:          runID,
			ConversationID: runID,
			Initiator:      bus.InitiatorChat,
			Priority:       models.PriorityRoutine,
			Messages:       msgs,
		})
		c.mu.Lock()
		if s, ok := c.sessions[sessionID]; ok && s.run != nil && s.run.id == runID {
			s.history = trimHistory(res.Messages, maxHistoryMessages)
			s.run = nil
		}
		c.mu.Unlock()
	}()
	return nil
}

// CancelRun cancels the in-flight chat run with the given id and reports
// whether one was found. Teardown completes asynchronously.
func (c *Chat) CancelRun(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range c.sessions {
		if sess.run != nil && sess.run.id == runID {
			sess.run.cancel()
			return true
		}
	}
	return false
}

// ActiveRuns reports how many sessions have a run in flight.
func (c *Chat) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sess := range c.sessions {
		if sess.run != nil {
			n++
		}
	}
	return n
}

// reapOnDisconnect drops the session when its connection goes away. The
// connection context also parents any in-flight run, so the run is already
// being cancelled by the time the session is removed.
func (c *Chat) reapOnDisconnect(ctx context.Context, sessionID string) {
	<-ctx.Done()
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	c.logger.Debug("Chat session dropped", "session_id", sessionID)
}

// replyUnconfigured streams the no-provider explanation as a plain assistant
// message, outside any run.
func (c *Chat) replyUnconfigured() {
	em := &emitter{bus: c.bus, runID: uuid.New().String(), initiator: bus.InitiatorChat}
	em.messageStart()
	em.messageDelta(unconfiguredReply)
	em.messageEnd()
}
