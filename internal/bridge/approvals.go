package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/framework-shells/appserver/pkg/codex"
)

// Approval kinds.
const (
	ApprovalKindCommand    = "command"
	ApprovalKindFileChange = "file_change"
)

// PendingApproval is one server-initiated approval request awaiting a user
// decision. RequestID is the child-assigned id, echoed verbatim in the
// decision line.
type PendingApproval struct {
	RequestID      interface{}            `json:"request_id"`
	Kind           string                 `json:"kind"`
	Method         string                 `json:"method"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Ts             int64                  `json:"ts"`
}

// approvalKind maps the request method to the normalized kind.
func approvalKind(method string) string {
	switch method {
	case codex.RequestFileChangeApproval, codex.RequestLegacyPatchApproval:
		return ApprovalKindFileChange
	default:
		return ApprovalKindCommand
	}
}

// approvalTable holds pending approvals keyed by the child's request id.
type approvalTable struct {
	mu sync.Mutex
	m  map[string]*PendingApproval
}

func newApprovalTable() *approvalTable {
	return &approvalTable{m: make(map[string]*PendingApproval)}
}

func approvalKey(id interface{}) string {
	return fmt.Sprint(id)
}

func (t *approvalTable) add(id interface{}, method string, payload map[string]interface{}, conversationID string) *PendingApproval {
	pa := &PendingApproval{
		RequestID:      id,
		Kind:           approvalKind(method),
		Method:         method,
		Payload:        payload,
		ConversationID: conversationID,
		Ts:             time.Now().UnixMilli(),
	}
	t.mu.Lock()
	t.m[approvalKey(id)] = pa
	t.mu.Unlock()
	return pa
}

// take removes and returns the pending approval for id. A miss means the
// decision is stale.
func (t *approvalTable) take(id interface{}) (*PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pa, ok := t.m[approvalKey(id)]
	if ok {
		delete(t.m, approvalKey(id))
	}
	return pa, ok
}

// list returns pending approvals, optionally filtered by conversation.
func (t *approvalTable) list(conversationID string) []*PendingApproval {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingApproval, 0, len(t.m))
	for _, pa := range t.m {
		if conversationID == "" || pa.ConversationID == conversationID {
			out = append(out, pa)
		}
	}
	return out
}
