package bridge

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/envelope"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/store"
	"github.com/framework-shells/appserver/pkg/codex"
)

// newRouterBridge builds a bridge with a real store and hub but no child
// process; notifications are fed straight into the router.
func newRouterBridge(t *testing.T) (*Bridge, *store.Store, *events.Subscription, string) {
	t.Helper()
	st, err := store.New(t.TempDir(), logger.Default())
	require.NoError(t, err)
	hub := events.NewHub(logger.Default())
	b := New(config.BridgeConfig{}, nil, st, hub, logger.Default())

	conv, err := st.CreateConversation()
	require.NoError(t, err)
	b.bindThread("thread-1", conv)

	sub := hub.Subscribe("")
	t.Cleanup(sub.Close)
	return b, st, sub, conv
}

func notify(t *testing.T, b *Bridge, method string, params map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	b.handleNotification(method, raw)
}

func drainEvents(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(evs []events.Event, typ string) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func entriesByRole(t *testing.T, st *store.Store, conv, role string) []store.Entry {
	t.Helper()
	all, err := st.Range(conv, 0, 0)
	require.NoError(t, err)
	var out []store.Entry
	for _, e := range all {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

func TestAssistantMessageTranscribedOnce(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turn": map[string]interface{}{"id": "t1"},
	})
	notify(t, b, codex.NotifyItemAgentMessageDelta, map[string]interface{}{
		"threadId": "thread-1", "itemId": "i1", "delta": "Hel",
	})
	notify(t, b, codex.NotifyItemAgentMessageDelta, map[string]interface{}{
		"threadId": "thread-1", "itemId": "i1", "delta": "lo",
	})
	completed := map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
		"item": map[string]interface{}{"id": "i1", "type": "agentMessage", "text": ""},
	}
	notify(t, b, codex.NotifyItemCompleted, completed)
	// A duplicate completion for the same item must not transcribe again.
	notify(t, b, codex.NotifyItemCompleted, completed)
	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	entries := entriesByRole(t, st, conv, store.RoleAssistant)
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello", entries[0].Text)

	evs := drainEvents(sub)
	assert.Len(t, eventsOfType(evs, events.TypeAssistantDelta), 2)
	finals := eventsOfType(evs, events.TypeAssistantFinalize)
	require.Len(t, finals, 1)
	assert.Equal(t, "Hello", finals[0].Text)
	assert.Len(t, eventsOfType(evs, events.TypeTurnCompleted), 1)
}

func TestFinalizePrefersChildText(t *testing.T) {
	b, st, _, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemAgentMessageDelta, map[string]interface{}{
		"threadId": "thread-1", "itemId": "i1", "delta": "partial",
	})
	notify(t, b, codex.NotifyItemCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"item":     map[string]interface{}{"id": "i1", "type": "agentMessage", "text": "the final answer"},
	})

	entries := entriesByRole(t, st, conv, store.RoleAssistant)
	require.Len(t, entries, 1)
	assert.Equal(t, "the final answer", entries[0].Text)
}

func TestReasoningStream(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemReasoningSummaryDelta, map[string]interface{}{
		"threadId": "thread-1", "itemId": "r1", "delta": "thinking ",
	})
	notify(t, b, codex.NotifyItemReasoningTextDelta, map[string]interface{}{
		"threadId": "thread-1", "itemId": "r1", "delta": "hard",
	})
	notify(t, b, codex.NotifyItemCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"item":     map[string]interface{}{"id": "r1", "type": "reasoning", "text": ""},
	})

	entries := entriesByRole(t, st, conv, store.RoleReasoning)
	require.Len(t, entries, 1)
	assert.Equal(t, "thinking hard", entries[0].Text)
	assert.Len(t, eventsOfType(drainEvents(sub), events.TypeReasoningDelta), 2)
}

func TestCommandExecutionTranscribed(t *testing.T) {
	b, st, _, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"item": map[string]interface{}{
			"id": "c1", "type": "commandExecution",
			"command": "go test ./...", "aggregatedOutput": "ok\n", "exitCode": 0,
		},
	})

	entries := entriesByRole(t, st, conv, store.RoleCommand)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok\n", entries[0].Text)
	assert.Equal(t, "go test ./...", entries[0].Data["command"])
}

func TestContextualDiffDeduped(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	diff := "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+y\n"
	notify(t, b, codex.NotifyTurnDiffUpdated, map[string]interface{}{
		"threadId": "thread-1", "diff": diff,
	})
	// Same change, CRLF rendering: must not surface twice.
	notify(t, b, codex.NotifyTurnDiffUpdated, map[string]interface{}{
		"threadId": "thread-1", "diff": strings.ReplaceAll(diff, "\n", "\r\n"),
	})
	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	assert.Len(t, entriesByRole(t, st, conv, store.RoleDiff), 1)
	assert.Len(t, eventsOfType(drainEvents(sub), events.TypeDiff), 1)
}

func TestShortDiffWithheldUntilTurnCompletion(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"item": map[string]interface{}{
			"id": "f1", "type": "fileChange",
			"diff": "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+y\n",
		},
	})

	// Nothing surfaced yet.
	assert.Empty(t, eventsOfType(drainEvents(sub), events.TypeDiff))
	assert.Empty(t, entriesByRole(t, st, conv, store.RoleDiff))

	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	assert.Len(t, eventsOfType(drainEvents(sub), events.TypeDiff), 1)
	assert.Len(t, entriesByRole(t, st, conv, store.RoleDiff), 1)
}

func TestContextualDiffSupersedesShort(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemCompleted, map[string]interface{}{
		"threadId": "thread-1",
		"item": map[string]interface{}{
			"id": "f1", "type": "fileChange",
			"diff": "--- f\n+++ f\n@@ -1 +1 @@\n-x\n+y\n",
		},
	})
	notify(t, b, codex.NotifyTurnDiffUpdated, map[string]interface{}{
		"threadId": "thread-1",
		"diff":     "--- a/f\t2026-01-01\n+++ b/f\t2026-01-01\n@@ -1 +1 @@\n-x\n+y\n",
	})
	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	// One diff total, and it is the contextual rendering.
	diffs := eventsOfType(drainEvents(sub), events.TypeDiff)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Diff, "a/f")
	assert.Len(t, entriesByRole(t, st, conv, store.RoleDiff), 1)
}

func TestUserItemStripsEnvelope(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	buf := &envelope.Buffer{}
	buf.Add(envelope.CommandSummary{Cmd: "ls", BlockID: "b1", Ts: 1})
	wrapped, err := envelope.Inject("hello there", conv, "shell-1", buf)
	require.NoError(t, err)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemStarted, map[string]interface{}{
		"threadId": "thread-1",
		"item":     map[string]interface{}{"id": "u1", "type": "userMessage", "text": wrapped},
	})

	entries := entriesByRole(t, st, conv, store.RoleUser)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello there", entries[0].Text)

	msgs := eventsOfType(drainEvents(sub), events.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text)
}

func TestUserItemMalformedEnvelopeLeftIntact(t *testing.T) {
	b, st, _, conv := newRouterBridge(t)

	raw := envelope.Prefix + `{"v":1} with no terminator`
	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyItemStarted, map[string]interface{}{
		"threadId": "thread-1",
		"item":     map[string]interface{}{"id": "u1", "type": "userMessage", "text": raw},
	})

	entries := entriesByRole(t, st, conv, store.RoleUser)
	require.Len(t, entries, 1)
	assert.Equal(t, raw, entries[0].Text)
}

func TestPlanSnapshotTranscribedAtTurnEnd(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	plan := []interface{}{
		map[string]interface{}{"step": "read code", "status": "completed"},
		map[string]interface{}{"step": "write fix", "status": "in_progress"},
	}
	notify(t, b, codex.NotifyTurnPlanUpdated, map[string]interface{}{
		"threadId": "thread-1", "plan": plan,
	})

	// Live event fires immediately; the transcript entry waits for turn end.
	assert.Len(t, eventsOfType(drainEvents(sub), events.TypePlan), 1)
	assert.Empty(t, entriesByRole(t, st, conv, store.RolePlan))

	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	entries := entriesByRole(t, st, conv, store.RolePlan)
	require.Len(t, entries, 1)
	steps, ok := entries[0].Data["steps"].([]interface{})
	require.True(t, ok)
	assert.Len(t, steps, 2)
}

func TestWrappedMsgUnwrapped(t *testing.T) {
	b, st, _, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, "codex/event", map[string]interface{}{
		"threadId": "thread-1",
		"msg": map[string]interface{}{
			"type": "turn_diff",
			"diff": "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+y\n",
		},
	})
	notify(t, b, codex.NotifyTurnCompleted, map[string]interface{}{"threadId": "thread-1"})

	assert.Len(t, entriesByRole(t, st, conv, store.RoleDiff), 1)
}

func TestTokenUsageTranscribed(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyThreadTokenUsageUpdated, map[string]interface{}{
		"threadId": "thread-1",
		"tokenUsage": map[string]interface{}{
			"inputTokens": 100, "outputTokens": 40,
		},
	})

	entries := entriesByRole(t, st, conv, store.RoleTokenUsage)
	require.Len(t, entries, 1)

	counts := eventsOfType(drainEvents(sub), events.TypeTokenCount)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(140), counts[0].TotalTokens)
}

func TestTurnFailed(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})
	notify(t, b, codex.NotifyTurnFailed, map[string]interface{}{
		"threadId": "thread-1",
		"error":    map[string]interface{}{"message": "model overloaded"},
	})

	entries := entriesByRole(t, st, conv, store.RoleError)
	require.Len(t, entries, 1)
	assert.Equal(t, "model overloaded", entries[0].Text)

	evs := drainEvents(sub)
	errs := eventsOfType(evs, events.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, KindRPCError, errs[0].Kind)
	// The turn still closes.
	assert.Len(t, eventsOfType(evs, events.TypeTurnCompleted), 1)
}

func TestApprovalRoundTripEchoesRawLine(t *testing.T) {
	b, st, sub, conv := newRouterBridge(t)

	var childStdin bytes.Buffer
	b.client = codex.NewClient(&childStdin, strings.NewReader(""), logger.Default())

	notify(t, b, codex.NotifyTurnStarted, map[string]interface{}{
		"threadId": "thread-1", "turnId": "t1",
	})

	params, err := json.Marshal(map[string]interface{}{
		"threadId": "thread-1", "command": "rm -rf build",
	})
	require.NoError(t, err)
	b.handleChildRequest(float64(42), codex.RequestCmdApproval, params)

	require.Equal(t, turnAwaitingApproval, b.turnFor(conv).state)
	pending := b.PendingApprovals(conv)
	require.Len(t, pending, 1)
	assert.Equal(t, ApprovalKindCommand, pending[0].Kind)

	approvalEvs := eventsOfType(drainEvents(sub), events.TypeApproval)
	require.Len(t, approvalEvs, 1)

	entries := entriesByRole(t, st, conv, store.RoleApproval)
	require.Len(t, entries, 1)
	assert.Equal(t, false, entries[0].Data["decided"])

	// The decision line reaches the child byte for byte, id included.
	raw := []byte(`{"id":42,"result":{"decision":"approved"}}`)
	require.NoError(t, b.Passthrough(raw))
	assert.Equal(t, string(raw)+"\n", childStdin.String())

	entries = entriesByRole(t, st, conv, store.RoleApproval)
	require.Len(t, entries, 2)
	assert.Equal(t, true, entries[1].Data["decided"])
	assert.Empty(t, b.PendingApprovals(conv))
}

func TestDecideStaleApproval(t *testing.T) {
	b, _, _, _ := newRouterBridge(t)
	b.client = codex.NewClient(&bytes.Buffer{}, strings.NewReader(""), logger.Default())

	err := b.Decide(float64(99), []byte(`{"id":99,"result":{}}`))
	require.Error(t, err)
	assert.Equal(t, KindApprovalStale, KindOf(err))
}

func TestUnknownChildRequestRejected(t *testing.T) {
	b, _, _, _ := newRouterBridge(t)

	var childStdin bytes.Buffer
	b.client = codex.NewClient(&childStdin, strings.NewReader(""), logger.Default())

	b.handleChildRequest(float64(7), "thread/unknownThing", nil)
	assert.Contains(t, childStdin.String(), "method not found")
	assert.Empty(t, b.PendingApprovals(""))
}
