// Package envelope frames recent user PTY activity into a sentinel-guarded
// prefix on outbound user turns, so the agent sees what the user just ran
// in the terminal without the transcript or UI ever seeing the framing.
//
// The frame is `\x1eCODEX_META <json>\x1f` prepended to the user text.
// ASCII record/unit separators plus the literal guard give false-positive
// free detection without UTF-8 constraints.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const (
	// Prefix opens a meta envelope: RS + guard + space.
	Prefix = "\x1eCODEX_META "
	// Terminator closes the envelope JSON.
	Terminator = "\x1f"

	// MaxCommands caps the buffered block summaries; oldest are dropped.
	MaxCommands = 10
	// MaxPreviewLines bounds each command's output preview.
	MaxPreviewLines = 20
	// MaxPreviewBytes bounds each command's output preview.
	MaxPreviewBytes = 3000

	schemaVersion = 1
	payloadType   = "user_cmd_context"
)

// ErrMalformed indicates text that starts with the envelope prefix but has
// no terminator. Callers must treat the text as-is and not strip.
var ErrMalformed = errors.New("envelope_malformed")

// Preview is a bounded excerpt of a command's output.
type Preview struct {
	Lines     []string `json:"lines"`
	Bytes     int      `json:"bytes"`
	Truncated bool     `json:"truncated,omitempty"`
}

// CommandSummary records one completed user PTY block.
type CommandSummary struct {
	Cmd      string  `json:"cmd"`
	ExitCode int     `json:"exit_code"`
	Cwd      string  `json:"cwd"`
	BlockID  string  `json:"block_id"`
	Ts       int64   `json:"ts"`
	Preview  Preview `json:"preview"`
}

// Buffer accumulates completed user PTY blocks between agent turns.
// It is persisted inside the conversation meta (pending_cmd_buffer) and
// cleared when the next user turn is submitted.
type Buffer struct {
	TotalCommandsRun int              `json:"total_commands_run"`
	Kept             int              `json:"kept"`
	Dropped          int              `json:"dropped"`
	Commands         []CommandSummary `json:"commands"`
	MCP              []string         `json:"mcp,omitempty"`
}

// Payload is the serialized envelope schema.
type Payload struct {
	V                int              `json:"v"`
	Type             string           `json:"type"`
	ConversationID   string           `json:"conversation_id"`
	ShellID          string           `json:"shell_id,omitempty"`
	TotalCommandsRun int              `json:"total_commands_run"`
	Kept             int              `json:"kept"`
	Dropped          int              `json:"dropped"`
	Commands         []CommandSummary `json:"commands"`
	MCP              []string         `json:"mcp"`
}

// Add appends a completed block summary, evicting the oldest entry once
// the cap is reached.
func (b *Buffer) Add(s CommandSummary) {
	b.TotalCommandsRun++
	b.Commands = append(b.Commands, s)
	if len(b.Commands) > MaxCommands {
		drop := len(b.Commands) - MaxCommands
		b.Commands = append([]CommandSummary(nil), b.Commands[drop:]...)
		b.Dropped += drop
	}
	b.Kept = len(b.Commands)
}

// AddMCP records a machine-driven tool invocation alongside the user
// commands. Capped like the command list.
func (b *Buffer) AddMCP(desc string) {
	b.MCP = append(b.MCP, desc)
	if len(b.MCP) > MaxCommands {
		b.MCP = append([]string(nil), b.MCP[len(b.MCP)-MaxCommands:]...)
	}
}

// Empty reports whether there is anything to flush.
func (b *Buffer) Empty() bool {
	return b == nil || (len(b.Commands) == 0 && len(b.MCP) == 0)
}

// Reset clears the buffer after a flush.
func (b *Buffer) Reset() {
	*b = Buffer{}
}

// TruncatePreview bounds raw block output to the preview limits.
func TruncatePreview(output string) Preview {
	truncated := false
	if len(output) > MaxPreviewBytes {
		output = output[len(output)-MaxPreviewBytes:]
		truncated = true
	}
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > MaxPreviewLines {
		lines = lines[len(lines)-MaxPreviewLines:]
		truncated = true
	}
	size := 0
	for _, l := range lines {
		size += len(l)
	}
	return Preview{Lines: lines, Bytes: size, Truncated: truncated}
}

// Inject prefixes userText with the serialized envelope. The buffer is not
// mutated; callers clear it after the turn is accepted by the child.
func Inject(userText, conversationID, shellID string, b *Buffer) (string, error) {
	if b.Empty() {
		return userText, nil
	}
	p := Payload{
		V:                schemaVersion,
		Type:             payloadType,
		ConversationID:   conversationID,
		ShellID:          shellID,
		TotalCommandsRun: b.TotalCommandsRun,
		Kept:             b.Kept,
		Dropped:          b.Dropped,
		Commands:         b.Commands,
		MCP:              b.MCP,
	}
	if p.MCP == nil {
		p.MCP = []string{}
	}
	if p.Commands == nil {
		p.Commands = []CommandSummary{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(Prefix) + len(raw) + len(Terminator) + len(userText))
	sb.WriteString(Prefix)
	sb.Write(raw)
	sb.WriteString(Terminator)
	sb.WriteString(userText)
	return sb.String(), nil
}

// Strip removes an envelope prefix from ingress user text. The bool result
// reports whether an envelope was present and removed. Text carrying the
// prefix but no terminator returns ErrMalformed and the text unchanged.
func Strip(text string) (string, bool, error) {
	if !strings.HasPrefix(text, Prefix) {
		return text, false, nil
	}
	rest := text[len(Prefix):]
	idx := strings.Index(rest, Terminator)
	if idx < 0 {
		return text, false, ErrMalformed
	}
	return rest[idx+len(Terminator):], true, nil
}

// StripBytes is Strip for raw byte payloads.
func StripBytes(text []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(text, []byte(Prefix)) {
		return text, false, nil
	}
	rest := text[len(Prefix):]
	idx := bytes.Index(rest, []byte(Terminator))
	if idx < 0 {
		return text, false, ErrMalformed
	}
	return rest[idx+len(Terminator):], true, nil
}
