package extbridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/events"
)

// permissionDecisionTimeout bounds how long a permission request waits for
// the user before cancelling.
const permissionDecisionTimeout = 5 * time.Minute

// acpClient implements acp.Client for one extension child. Session updates
// translate into normalized events:
//
//	agent_message_chunk          -> assistant_delta
//	agent_thought_chunk          -> reasoning_delta
//	tool_call (start)            -> shell_begin
//	tool_call_update in_progress -> shell_delta
//	tool_call_update completed   -> shell_end
//	plan                         -> plan
type acpClient struct {
	bridge *Bridge
	child  *child
}

var _ acp.Client = (*acpClient)(nil)

func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	conv := c.bridge.conversationForSession(c.child, n.SessionId)
	if conv == "" {
		return nil
	}
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			text := u.AgentMessageChunk.Content.Text.Text
			c.child.mu.Lock()
			if buf := c.child.buffers[conv]; buf != nil {
				buf.WriteString(text)
			}
			c.child.mu.Unlock()
			c.bridge.emit(events.Event{
				Type:           events.TypeAssistantDelta,
				ConversationID: conv,
				Text:           text,
			})
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			c.bridge.emit(events.Event{
				Type:           events.TypeReasoningDelta,
				ConversationID: conv,
				Text:           u.AgentThoughtChunk.Content.Text.Text,
			})
		}

	case u.ToolCall != nil:
		c.bridge.emit(events.Event{
			Type:           events.TypeShellBegin,
			ConversationID: conv,
			BlockID:        string(u.ToolCall.ToolCallId),
			Cmd:            u.ToolCall.Title,
		})

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		blockID := string(u.ToolCallUpdate.ToolCallId)
		switch status {
		case "completed", "failed":
			c.bridge.emit(events.Event{
				Type:           events.TypeShellEnd,
				ConversationID: conv,
				BlockID:        blockID,
			})
		default:
			c.bridge.emit(events.Event{
				Type:           events.TypeShellDelta,
				ConversationID: conv,
				BlockID:        blockID,
			})
		}

	case u.Plan != nil:
		steps := make([]events.PlanStep, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			steps[i] = events.PlanStep{Step: e.Content, Status: string(e.Status)}
		}
		c.bridge.emit(events.Event{
			Type:           events.TypePlan,
			ConversationID: conv,
			Plan:           steps,
		})
	}
	return nil
}

// RequestPermission routes the extension's permission request through the
// same approval queue the UI drains, blocking until the user decides or
// the wait times out.
func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	cancelled := acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
	if len(p.Options) == 0 {
		return cancelled, nil
	}

	conv := c.bridge.conversationForSession(c.child, p.SessionId)
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}

	options := make([]PermissionOption, len(p.Options))
	for i, opt := range p.Options {
		options[i] = PermissionOption{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		}
	}

	c.bridge.mu.Lock()
	c.bridge.permSeq++
	requestID := fmt.Sprintf("ext-%d", c.bridge.permSeq)
	pending := &PendingPermission{
		RequestID:      requestID,
		ConversationID: conv,
		Title:          title,
		Options:        options,
		Ts:             time.Now().UnixMilli(),
		decide:         make(chan string, 1),
	}
	if p.ToolCall.RawInput != nil {
		pending.Payload = map[string]interface{}{"raw_input": p.ToolCall.RawInput}
	}
	c.bridge.permissions[requestID] = pending
	c.bridge.mu.Unlock()

	c.bridge.emit(events.Event{
		Type:           events.TypeApproval,
		ConversationID: conv,
		RequestID:      requestID,
		ApprovalKind:   "command",
		Payload:        pending.Payload,
	})

	select {
	case optionID := <-pending.decide:
		if optionID == "" {
			return cancelled, nil
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{
					OptionId: acp.PermissionOptionId(optionID),
				},
			},
		}, nil
	case <-time.After(permissionDecisionTimeout):
		c.bridge.mu.Lock()
		delete(c.bridge.permissions, requestID)
		c.bridge.mu.Unlock()
		c.bridge.logger.Warn("permission request timed out", zap.String("request_id", requestID))
		return cancelled, nil
	case <-ctx.Done():
		c.bridge.mu.Lock()
		delete(c.bridge.permissions, requestID)
		c.bridge.mu.Unlock()
		return cancelled, nil
	}
}

func (c *acpClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(raw)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *acpClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal creation is not supported")
}

func (c *acpClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *acpClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("no terminal %s", p.TerminalId)
}

func (c *acpClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *acpClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("no terminal %s", p.TerminalId)
}
