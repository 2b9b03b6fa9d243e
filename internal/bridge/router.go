package bridge

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/envelope"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/store"
	"github.com/framework-shells/appserver/pkg/codex"
)

// Item types as named by the child. Both camelCase and snake_case appear
// across versions.
func normalizeItemType(t string) string {
	switch t {
	case "agentMessage", "agent_message", "assistantMessage":
		return "agentMessage"
	case "reasoning", "reasoningSummary":
		return "reasoning"
	case "commandExecution", "command_execution":
		return "commandExecution"
	case "fileChange", "file_change", "patch":
		return "fileChange"
	case "userMessage", "user_message":
		return "userMessage"
	}
	return t
}

type itemPayload struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ItemType         string `json:"itemType"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregatedOutput"`
	ExitCode         *int   `json:"exitCode"`
	Diff             string `json:"diff"`
	Cwd              string `json:"cwd"`
}

func (p *itemPayload) kind() string {
	if p.Type != "" {
		return normalizeItemType(p.Type)
	}
	return normalizeItemType(p.ItemType)
}

type notifyEnvelope struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	ItemID   string          `json:"itemId"`
	Delta    string          `json:"delta"`
	Chunk    string          `json:"chunk"`
	Diff     string          `json:"diff"`
	Item     *itemPayload    `json:"item"`
	Turn     *codex.Turn     `json:"turn"`
	Plan     []planStep      `json:"plan"`
	Usage    *codex.TokenUsage `json:"tokenUsage"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`

	// Wrapped form: the payload rides inside msg with its own type tag.
	Msg json.RawMessage `json:"msg"`
}

type planStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// handleChildRequest routes server-initiated requests. Approval requests
// (modern and legacy names both) are enqueued; anything else is rejected.
func (b *Bridge) handleChildRequest(id interface{}, method string, params json.RawMessage) {
	if !codex.ApprovalMethods[method] {
		b.logger.Warn("unexpected child request", zap.String("method", method))
		if b.client != nil {
			_ = b.client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "method not found"})
		}
		return
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(params, &payload)
	threadID, _ := payload["threadId"].(string)
	conv := b.conversationFor(threadID)

	pa := b.approvals.add(id, method, payload, conv)

	if t := b.turnFor(conv); t != nil {
		t.state = turnAwaitingApproval
	}

	b.transcribe(conv, store.RoleApproval, "", map[string]interface{}{
		"request_id": pa.RequestID,
		"kind":       pa.Kind,
		"decided":    false,
	})
	b.emit(events.Event{
		Type:           events.TypeApproval,
		ConversationID: conv,
		RequestID:      pa.RequestID,
		ApprovalKind:   pa.Kind,
		Payload:        payload,
	})
}

// handleNotification dispatches child notifications, unwrapping the
// nested msg.type envelope some child versions emit.
func (b *Bridge) handleNotification(method string, params json.RawMessage) {
	var p notifyEnvelope
	if err := json.Unmarshal(params, &p); err != nil {
		b.logger.Warn("unparseable notification", zap.String("method", method), zap.Error(err))
		return
	}

	if len(p.Msg) > 0 {
		if wrappedMethod, wrapped := unwrapMsg(p.Msg); wrappedMethod != "" {
			b.handleNotification(wrappedMethod, wrapped)
			return
		}
	}

	conv := b.conversationFor(p.ThreadID)

	switch method {
	case codex.NotifyThreadStarted:
		// Binding happens in EnsureThread; nothing to route.

	case codex.NotifyTurnStarted:
		turnID := p.TurnID
		if p.Turn != nil {
			turnID = p.Turn.ID
		}
		b.mu.Lock()
		b.turns[conv] = newTurnState(turnID, conv)
		b.mu.Unlock()
		b.emit(events.Event{Type: events.TypeTurnStarted, ConversationID: conv, TurnID: turnID})

	case codex.NotifyItemStarted:
		if p.Item != nil && p.Item.kind() == "userMessage" {
			b.handleUserItem(conv, p.Item)
		}

	case codex.NotifyItemAgentMessageDelta:
		b.handleDelta(conv, p.ItemID, "agentMessage", p.Delta, events.TypeAssistantDelta)

	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta:
		b.handleDelta(conv, p.ItemID, "reasoning", p.Delta, events.TypeReasoningDelta)

	case codex.NotifyItemCmdExecOutputDelta:
		// Command output streams are UI-only; the aggregated output is
		// transcribed once on item/completed.

	case codex.NotifyItemCompleted:
		if p.Item != nil {
			b.handleItemCompleted(conv, p.TurnID, p.Item)
		}

	case codex.NotifyTurnDiffUpdated, "turn_diff":
		b.handleContextualDiff(conv, p.Diff)

	case codex.NotifyTurnPlanUpdated, "plan_update":
		b.handlePlan(conv, p.Plan)

	case codex.NotifyThreadTokenUsageUpdated, "token_count":
		if p.Usage != nil {
			b.handleTokenUsage(conv, p.Usage)
		}

	case codex.NotifyTurnCompleted:
		b.finishTurn(conv, false, "")

	case codex.NotifyTurnFailed:
		msg := "turn failed"
		if p.Error != nil && p.Error.Message != "" {
			msg = p.Error.Message
		}
		b.finishTurn(conv, true, msg)

	case codex.NotifyError:
		msg := "agent error"
		if p.Error != nil && p.Error.Message != "" {
			msg = p.Error.Message
		}
		b.emit(events.Event{
			Type:           events.TypeError,
			ConversationID: conv,
			Kind:           KindRPCError,
			Message:        msg,
		})

	default:
		b.logger.Debug("unhandled notification", zap.String("method", method))
	}
}

// unwrapMsg lifts a wrapped {msg:{type:...}} payload into a dispatchable
// method name plus flattened params.
func unwrapMsg(msg json.RawMessage) (string, json.RawMessage) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Type == "" {
		return "", nil
	}
	switch probe.Type {
	case "turn_diff", "plan_update", "token_count":
		return probe.Type, msg
	}
	return "", nil
}

func (b *Bridge) turnFor(conversationID string) *turnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns[conversationID]
}

// handleUserItem is the single ingress choke point for meta envelopes:
// echoed user text is stripped before anything downstream sees it.
func (b *Bridge) handleUserItem(conv string, item *itemPayload) {
	t := b.turnFor(conv)
	if t != nil && !t.firstTranscription(item.ID) {
		return
	}

	text, _, err := envelope.Strip(item.Text)
	if err != nil {
		if errors.Is(err, envelope.ErrMalformed) {
			b.logger.Warn("malformed meta envelope left intact",
				zap.String("conversation_id", conv))
		}
		text = item.Text
	}

	b.transcribe(conv, store.RoleUser, text, nil)
	b.emit(events.Event{
		Type:           events.TypeMessage,
		ConversationID: conv,
		ItemID:         item.ID,
		Text:           text,
	})
}

func (b *Bridge) handleDelta(conv, itemID, itemType, delta, eventType string) {
	t := b.turnFor(conv)
	if t == nil || delta == "" {
		return
	}
	t.state = turnStreaming
	t.buffer(itemID, itemType).text.WriteString(delta)
	b.emit(events.Event{
		Type:           eventType,
		ConversationID: conv,
		TurnID:         t.turnID,
		ItemID:         itemID,
		Text:           delta,
	})
}

func (b *Bridge) handleItemCompleted(conv, turnID string, item *itemPayload) {
	t := b.turnFor(conv)

	switch item.kind() {
	case "userMessage":
		b.handleUserItem(conv, item)

	case "agentMessage":
		text := b.finalizeText(t, item.ID, item.Text)
		if t != nil && !t.firstTranscription(item.ID) {
			return
		}
		b.transcribe(conv, store.RoleAssistant, text, nil)
		b.emit(events.Event{
			Type:           events.TypeAssistantFinalize,
			ConversationID: conv,
			TurnID:         turnID,
			ItemID:         item.ID,
			Text:           text,
		})

	case "reasoning":
		text := b.finalizeText(t, item.ID, item.Text)
		if t != nil && !t.firstTranscription(item.ID) {
			return
		}
		b.transcribe(conv, store.RoleReasoning, text, nil)
		b.emit(events.Event{
			Type:           events.TypeReasoningFinalize,
			ConversationID: conv,
			TurnID:         turnID,
			ItemID:         item.ID,
			Text:           text,
		})

	case "commandExecution":
		if t != nil && !t.firstTranscription(item.ID) {
			return
		}
		data := map[string]interface{}{"command": item.Command}
		if item.ExitCode != nil {
			data["exit_code"] = *item.ExitCode
		}
		if item.Cwd != "" {
			data["cwd"] = item.Cwd
		}
		b.transcribe(conv, store.RoleCommand, item.AggregatedOutput, data)
		b.emit(events.Event{
			Type:           events.TypeCommandFinalize,
			ConversationID: conv,
			TurnID:         turnID,
			ItemID:         item.ID,
			Cmd:            item.Command,
			ExitCode:       item.ExitCode,
			Text:           item.AggregatedOutput,
		})

	case "fileChange":
		if item.Diff == "" || t == nil {
			return
		}
		// Item-level diffs are short renderings; withhold until turn
		// completion in case the contextual turn diff supersedes them.
		t.recordShortDiff(DiffSignature(item.Diff), item.Diff)
	}
}

// finalizeText closes the item's delta buffer, preferring the child's
// final text when it provides one.
func (b *Bridge) finalizeText(t *turnState, itemID, finalText string) string {
	if finalText != "" {
		return finalText
	}
	if t == nil {
		return ""
	}
	if buf, ok := t.buffers[itemID]; ok {
		return buf.text.String()
	}
	return ""
}

func (b *Bridge) handleContextualDiff(conv, diff string) {
	if diff == "" {
		return
	}
	t := b.turnFor(conv)
	if t == nil {
		return
	}
	sig := DiffSignature(diff)
	if !t.recordContextualDiff(sig) {
		return
	}
	canonical := CanonicalizeDiff(diff)
	b.transcribe(conv, store.RoleDiff, canonical, map[string]interface{}{"signature": sig})
	b.emit(events.Event{
		Type:           events.TypeDiff,
		ConversationID: conv,
		TurnID:         t.turnID,
		Diff:           canonical,
		DiffSignature:  sig,
	})
}

func (b *Bridge) handlePlan(conv string, steps []planStep) {
	t := b.turnFor(conv)
	if t == nil {
		return
	}
	plan := make([]events.PlanStep, len(steps))
	for i, s := range steps {
		plan[i] = events.PlanStep{Step: s.Step, Status: s.Status}
	}
	t.plan = plan
	b.emit(events.Event{
		Type:           events.TypePlan,
		ConversationID: conv,
		TurnID:         t.turnID,
		Plan:           plan,
	})
}

func (b *Bridge) handleTokenUsage(conv string, usage *codex.TokenUsage) {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}
	b.transcribe(conv, store.RoleTokenUsage, "", map[string]interface{}{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"total_tokens":  total,
	})
	b.emit(events.Event{
		Type:           events.TypeTokenCount,
		ConversationID: conv,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		TotalTokens:    total,
	})
}

// finishTurn closes the turn: withheld short diffs flush, the final plan
// snapshot is transcribed once, and the completion event fires.
func (b *Bridge) finishTurn(conv string, failed bool, failMsg string) {
	b.mu.Lock()
	t := b.turns[conv]
	delete(b.turns, conv)
	b.mu.Unlock()
	if t == nil {
		return
	}

	for sig, text := range t.flushShortDiffs() {
		canonical := CanonicalizeDiff(text)
		b.transcribe(conv, store.RoleDiff, canonical, map[string]interface{}{"signature": sig})
		b.emit(events.Event{
			Type:           events.TypeDiff,
			ConversationID: conv,
			TurnID:         t.turnID,
			Diff:           canonical,
			DiffSignature:  sig,
		})
	}

	if len(t.plan) > 0 {
		steps := make([]interface{}, len(t.plan))
		for i, s := range t.plan {
			steps[i] = map[string]interface{}{"step": s.Step, "status": s.Status}
		}
		b.transcribe(conv, store.RolePlan, "", map[string]interface{}{"steps": steps})
	}

	if failed {
		t.state = turnErrored
		b.transcribe(conv, store.RoleError, failMsg, nil)
		b.emit(events.Event{
			Type:           events.TypeError,
			ConversationID: conv,
			TurnID:         t.turnID,
			Kind:           KindRPCError,
			Message:        failMsg,
		})
	} else {
		t.state = turnCompleted
	}

	b.emit(events.Event{
		Type:           events.TypeTurnCompleted,
		ConversationID: conv,
		TurnID:         t.turnID,
	})
}
