package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/framework-shells/appserver/internal/store"
	"github.com/framework-shells/appserver/pkg/codex"
)

func TestApplySettingsWhitelist(t *testing.T) {
	full := store.Settings{
		Model:          "gpt-5",
		Cwd:            "/work",
		ApprovalPolicy: "on-request",
		SandboxPolicy:  map[string]interface{}{"type": "workspace-write"},
		Effort:         "high",
		Summary:        "concise",
	}

	tests := []struct {
		name    string
		method  string
		want    map[string]interface{}
		absent  []string
	}{
		{
			name:   "thread start maps effort to reasoningEffort",
			method: codex.MethodThreadStart,
			want: map[string]interface{}{
				"model":           "gpt-5",
				"cwd":             "/work",
				"approvalPolicy":  "on-request",
				"reasoningEffort": "high",
			},
			absent: []string{"effort", "summary"},
		},
		{
			name:   "thread resume omits effort and summary",
			method: codex.MethodThreadResume,
			want: map[string]interface{}{
				"model":          "gpt-5",
				"cwd":            "/work",
				"approvalPolicy": "on-request",
			},
			absent: []string{"effort", "reasoningEffort", "summary"},
		},
		{
			name:   "turn start carries effort and summary",
			method: codex.MethodTurnStart,
			want: map[string]interface{}{
				"model":          "gpt-5",
				"cwd":            "/work",
				"approvalPolicy": "on-request",
				"effort":         "high",
				"summary":        "concise",
			},
			absent: []string{"reasoningEffort"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplySettings(tt.method, nil, full)
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
			for _, k := range tt.absent {
				assert.NotContains(t, got, k)
			}
			assert.Contains(t, got, "sandboxPolicy")
		})
	}
}

func TestApplySettingsEmptyValuesOmitted(t *testing.T) {
	got := ApplySettings(codex.MethodTurnStart, nil, store.Settings{})
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestApplySettingsIgnoresOtherMethods(t *testing.T) {
	params := map[string]interface{}{"threadId": "t-1"}
	got := ApplySettings(codex.MethodTurnInterrupt, params, store.Settings{Model: "gpt-5"})
	assert.Equal(t, map[string]interface{}{"threadId": "t-1"}, got)
}

func TestApplySettingsPreservesCallerParams(t *testing.T) {
	params := map[string]interface{}{"input": "hello"}
	got := ApplySettings(codex.MethodTurnStart, params, store.Settings{Cwd: "/work"})
	assert.Equal(t, "hello", got["input"])
	assert.Equal(t, "/work", got["cwd"])
}
