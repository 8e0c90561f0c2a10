package push

import (
	"github.com/precious112/Argus/pkg/bus"
)

// Start subscribes the hub to every client-visible bus topic. Each topic is
// drained by one goroutine, so per-run ordering survives all the way to the
// per-connection queues.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.consume(bus.TopicAlertsFired, "push.alerts", func(payload any) *Envelope {
			af, ok := payload.(*bus.AlertFired)
			if !ok || af.Alert == nil {
				return nil
			}
			a := af.Alert
			return NewEnvelope(TypeAlert, &alertPayload{
				ID:              a.ID,
				RuleID:          a.RuleID,
				RuleName:        af.RuleName,
				DedupKey:        a.DedupKey,
				Severity:        a.Severity,
				Status:          a.Status,
				Title:           a.Title,
				Summary:         a.Summary,
				Source:          a.Source,
				Timestamp:       a.Timestamp,
				InvestigationID: a.InvestigationID,
			})
		})

		h.consume(bus.TopicAlertsState, "push.alert_state", func(payload any) *Envelope {
			sc, ok := payload.(*bus.AlertStateChange)
			if !ok {
				return nil
			}
			return NewEnvelope(TypeAlertStateChange, sc)
		})

		h.consume(bus.TopicActionsRequested, "push.action_requests", func(payload any) *Envelope {
			ar, ok := payload.(*bus.ActionRequested)
			if !ok || ar.Request == nil {
				return nil
			}
			return NewEnvelope(TypeActionRequest, ar.Request)
		})

		h.consume(bus.TopicActionsCompleted, "push.action_results", func(payload any) *Envelope {
			switch p := payload.(type) {
			case *bus.ActionExecuting:
				return NewEnvelope(TypeActionExecuting, p)
			case *bus.ActionCompleted:
				return NewEnvelope(TypeActionComplete, p)
			}
			return nil
		})

		h.consume(bus.TopicReactDelta, "push.deltas", func(payload any) *Envelope {
			d, ok := payload.(*bus.RunDelta)
			if !ok {
				return nil
			}
			return envelopeForDelta(d)
		})

		h.consume(bus.TopicBudgetUpdate, "push.budget", func(payload any) *Envelope {
			bu, ok := payload.(*bus.BudgetUpdate)
			if !ok {
				return nil
			}
			return NewEnvelope(TypeBudgetUpdate, bu)
		})

		h.consume(bus.TopicSystemStatus, "push.status", func(payload any) *Envelope {
			st, ok := payload.(*bus.SystemStatus)
			if !ok {
				return nil
			}
			return NewEnvelope(TypeSystemStatus, st)
		})
	})
}

func (h *Hub) consume(topic bus.Topic, name string, convert func(any) *Envelope) {
	sub := h.bus.Subscribe(topic, name, bus.DefaultQueueSize)
	h.subs = append(h.subs, sub)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for msg := range sub.C {
			if env := convert(msg.Payload); env != nil {
				h.Broadcast(env)
			}
		}
	}()
}

// envelopeForDelta maps one run delta onto the client protocol. Chat runs
// stream as assistant message envelopes; investigations wrap the same deltas
// inside investigation_start/update/end so UIs can render both without
// conflating them. Chat run boundaries produce no envelope: the message
// stream itself delimits the run.
func envelopeForDelta(d *bus.RunDelta) *Envelope {
	if d.Initiator == bus.InitiatorInvestigation {
		return envelopeForInvestigationDelta(d)
	}

	switch d.Kind {
	case bus.DeltaThinkingStart:
		return NewEnvelope(TypeThinkingStart, &runRefPayload{RunID: d.RunID})
	case bus.DeltaThinkingEnd:
		return NewEnvelope(TypeThinkingEnd, &runRefPayload{RunID: d.RunID})
	case bus.DeltaMessageStart:
		return NewEnvelope(TypeAssistantMessageStart, &runRefPayload{RunID: d.RunID})
	case bus.DeltaMessageChunk:
		return NewEnvelope(TypeAssistantMessageDelta, &messageDeltaPayload{
			RunID:   d.RunID,
			Content: d.Text,
		})
	case bus.DeltaMessageEnd:
		return NewEnvelope(TypeAssistantMessageEnd, &runRefPayload{RunID: d.RunID})
	case bus.DeltaToolCall:
		if d.ToolCall == nil {
			return nil
		}
		return NewEnvelope(TypeToolCall, &toolCallPayload{
			RunID:     d.RunID,
			CallID:    d.ToolCall.CallID,
			Tool:      d.ToolCall.Tool,
			Arguments: d.ToolCall.Arguments,
		})
	case bus.DeltaToolResult:
		if d.ToolResult == nil {
			return nil
		}
		return NewEnvelope(TypeToolResult, &toolResultPayload{
			RunID:       d.RunID,
			CallID:      d.ToolResult.CallID,
			Tool:        d.ToolResult.Tool,
			DisplayType: d.ToolResult.DisplayType,
			Payload:     d.ToolResult.Payload,
			IsError:     d.ToolResult.IsError,
			ErrorCode:   d.ToolResult.ErrorCode,
			Message:     d.ToolResult.Message,
		})
	case bus.DeltaRunError:
		if d.Error == nil {
			return nil
		}
		return NewEnvelope(TypeError, &errorPayload{
			RunID:         d.RunID,
			Code:          d.Error.Code,
			Message:       d.Error.Message,
			CorrelationID: d.Error.CorrelationID,
		})
	}
	return nil
}

func envelopeForInvestigationDelta(d *bus.RunDelta) *Envelope {
	switch d.Kind {
	case bus.DeltaRunStart:
		return NewEnvelope(TypeInvestigationStart, &investigationStartPayload{
			RunID: d.RunID,
			Text:  d.Text,
		})
	case bus.DeltaRunEnd:
		if d.Summary == nil {
			return nil
		}
		return NewEnvelope(TypeInvestigationEnd, &investigationEndPayload{
			RunID:       d.RunID,
			Termination: d.Summary.Termination,
			FinalText:   d.Summary.FinalText,
			TokensUsed:  d.Summary.TokensUsed,
			Steps:       d.Summary.Steps,
		})
	}
	return NewEnvelope(TypeInvestigationUpdate, d)
}
