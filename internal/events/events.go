// Package events defines the normalized event stream shared by the agent
// bridges, the PTY core, and the delivery surfaces. Events from the Codex
// and ACP children and from per-conversation PTYs are all translated into
// this one shape before fan-out.
package events

// Event type constants. Every event carries the conversation it belongs to.
const (
	// Agent bridge events.
	TypeTurnStarted       = "turn_started"
	TypeTurnCompleted     = "turn_completed"
	TypeAssistantDelta    = "assistant_delta"
	TypeAssistantFinalize = "assistant_finalize"
	TypeReasoningDelta    = "reasoning_delta"
	TypeReasoningFinalize = "reasoning_finalize"
	TypeCommandFinalize   = "command_finalize"
	TypeDiff              = "diff"
	TypePlan              = "plan"
	TypeTokenCount        = "token_count"
	TypeApproval          = "approval"
	TypeMessage           = "message"
	TypeStatus            = "status"
	TypeError             = "error"

	// PTY events.
	TypeShellBegin  = "shell_begin"
	TypeShellDelta  = "shell_delta"
	TypeShellEnd    = "shell_end"
	TypeScreenDelta = "screen_delta"
)

// PlanStep is one entry of an agent plan snapshot.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // pending, in_progress, completed
}

// Event is the normalized message delivered to subscribers.
// Fields beyond Type and ConversationID are type-specific; unused ones are
// omitted from the wire encoding.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`

	// Turn/item identity.
	TurnID string `json:"turn_id,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// Text payload: delta text for *_delta, finalized text for *_finalize,
	// user text for message, human-readable detail for status/error.
	Text string `json:"text,omitempty"`

	// Diff payload (canonicalized) and its content signature.
	Diff          string `json:"diff,omitempty"`
	DiffSignature string `json:"diff_signature,omitempty"`

	// Plan snapshot.
	Plan []PlanStep `json:"plan,omitempty"`

	// Approval round-trip: the child-assigned request id, echoed verbatim
	// in the decision, plus the request kind ("command" or "file_change").
	RequestID    interface{}            `json:"request_id,omitempty"`
	ApprovalKind string                 `json:"approval_kind,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`

	// Token usage.
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`

	// PTY block fields.
	BlockID  string `json:"block_id,omitempty"`
	Cmd      string `json:"cmd,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	// Screen delta rows (row index -> rendered text).
	Rows map[int]string `json:"rows,omitempty"`

	// Error classification for type=error.
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
