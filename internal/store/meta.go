package store

import (
	"github.com/framework-shells/appserver/internal/envelope"
)

// Conversation lifecycle states.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Settings is the per-conversation SSOT for agent configuration. The
// bridge reads these fresh on every thread/turn RPC; nothing else caches
// them.
type Settings struct {
	Cwd            string                 `json:"cwd,omitempty"`
	Model          string                 `json:"model,omitempty"`
	ApprovalPolicy string                 `json:"approvalPolicy,omitempty"`
	SandboxPolicy  map[string]interface{} `json:"sandboxPolicy,omitempty"`
	Effort         string                 `json:"effort,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Agent          string                 `json:"agent,omitempty"`
	Markdown       *bool                  `json:"markdown,omitempty"`
}

// Meta is the conversation sidecar (conversation_meta.json). Writes are
// atomic; ConversationID is immutable and ThreadID is write-once.
type Meta struct {
	ConversationID   string           `json:"conversation_id"`
	ThreadID         string           `json:"thread_id,omitempty"`
	Label            string           `json:"label,omitempty"`
	Settings         Settings         `json:"settings"`
	CreatedAt        int64            `json:"created_at"`
	Status           string           `json:"status"`
	PendingCmdBuffer *envelope.Buffer `json:"pending_cmd_buffer,omitempty"`
	ActiveView       string           `json:"active_view,omitempty"`
}

// Transcript entry roles.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleReasoning   = "reasoning"
	RoleDiff        = "diff"
	RoleCommand     = "command"
	RoleApproval    = "approval"
	RolePlan        = "plan"
	RoleShellInput  = "shell_input"
	RoleShellOutput = "shell_output"
	RoleStatus      = "status"
	RoleTokenUsage  = "token_usage"
	RoleMCPTool     = "mcp_tool"
	RoleError       = "error"
)

// Entry is one curated transcript line. MsgNum is assigned by the store
// at append time and is dense and strictly increasing per conversation.
type Entry struct {
	MsgNum int64                  `json:"msg_num"`
	Role   string                 `json:"role"`
	Ts     int64                  `json:"ts"`
	Text   string                 `json:"text,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ActiveState is the process-wide active pointer (app_server_config.json).
// Restored on restart so the UI reopens where it left off.
type ActiveState struct {
	ActiveConversationID string `json:"active_conversation_id,omitempty"`
	ActiveView           string `json:"active_view,omitempty"`
}
