// Package codex provides types and a client for the Codex app-server protocol.
// Codex uses a JSON-RPC 2.0 variant over stdio, but omits the "jsonrpc":"2.0"
// header: one JSON object per line, no Content-Length framing.
package codex

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field)
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field)
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codex method names (client → server)
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // Notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Codex notification methods (server → client)
const (
	NotifyThreadStarted             = "thread/started"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyTurnFailed                = "turn/failed"
	NotifyTurnDiffUpdated           = "turn/diff/updated"
	NotifyTurnPlanUpdated           = "turn/plan/updated"
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyThreadTokenUsageUpdated   = "thread/tokenUsage/updated"
	NotifyError                     = "error"
)

// Approval request methods (server → client requests carrying an id).
// Modern and legacy names coexist across child versions; the router must
// accept all of them without assuming one supersedes the other.
const (
	RequestCmdApproval        = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestLegacyExecApproval = "execCommandApproval"
	RequestLegacyPatchApproval = "applyPatchApproval"
)

// ApprovalMethods enumerates every server-initiated request method that
// carries an approval round-trip.
var ApprovalMethods = map[string]bool{
	RequestCmdApproval:         true,
	RequestFileChangeApproval:  true,
	RequestLegacyExecApproval:  true,
	RequestLegacyPatchApproval: true,
}

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// SandboxPolicy configures sandbox behavior. Type uses kebab-case values:
// "read-only", "workspace-write", "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread represents a Codex thread (conversation)
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeResult from thread/resume
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// InputItem is one element of a turn/start input array.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TurnStartResult from turn/start
type TurnStartResult struct {
	Turn *Turn `json:"turn,omitempty"`
}

// Turn identifies an in-flight turn.
type Turn struct {
	ID string `json:"id"`
}

// TokenUsage reports cumulative token counts for a thread.
type TokenUsage struct {
	InputTokens       int64 `json:"inputTokens"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`
	OutputTokens      int64 `json:"outputTokens"`
	TotalTokens       int64 `json:"totalTokens,omitempty"`
}
