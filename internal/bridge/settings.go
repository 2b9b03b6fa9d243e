package bridge

import (
	"github.com/framework-shells/appserver/internal/store"
	"github.com/framework-shells/appserver/pkg/codex"
)

// ApplySettings overlays the conversation's stored settings onto outbound
// RPC params per the method whitelist. Empty values are omitted so the
// child's own defaults apply. Callers read the meta fresh before each
// call; nothing here caches.
//
//	setting         thread/resume  thread/start  turn/start
//	model                yes            yes          yes
//	cwd                  yes            yes          yes
//	approvalPolicy       yes            yes          yes
//	sandboxPolicy        yes            yes          yes
//	effort               -    reasoningEffort     effort
//	summary              -              -           yes
func ApplySettings(method string, params map[string]interface{}, s store.Settings) map[string]interface{} {
	if params == nil {
		params = make(map[string]interface{})
	}

	switch method {
	case codex.MethodThreadStart, codex.MethodThreadResume, codex.MethodTurnStart:
	default:
		return params
	}

	if s.Model != "" {
		params["model"] = s.Model
	}
	if s.Cwd != "" {
		params["cwd"] = s.Cwd
	}
	if s.ApprovalPolicy != "" {
		params["approvalPolicy"] = s.ApprovalPolicy
	}
	if len(s.SandboxPolicy) > 0 {
		params["sandboxPolicy"] = s.SandboxPolicy
	}

	if s.Effort != "" {
		switch method {
		case codex.MethodThreadStart:
			params["reasoningEffort"] = s.Effort
		case codex.MethodTurnStart:
			params["effort"] = s.Effort
		}
	}
	if s.Summary != "" && method == codex.MethodTurnStart {
		params["summary"] = s.Summary
	}
	return params
}
