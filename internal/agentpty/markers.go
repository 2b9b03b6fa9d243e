package agentpty

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Shell integration marker prefixes. The managed rcfile emits these as
// whole lines into the terminal byte stream; cwd and cmd ride base64 so
// arbitrary content survives. Markers are parsed and stripped from the
// normalized spool but stay in the raw byte log.
const (
	MarkerBlockBegin = "__FWS_BLOCK_BEGIN__"
	MarkerBlockEnd   = "__FWS_BLOCK_END__"
	MarkerPrompt     = "__FWS_PROMPT__"
)

// Marker is one parsed marker line.
type Marker struct {
	Kind string // MarkerBlockBegin, MarkerBlockEnd, MarkerPrompt
	Seq  int64
	Ts   int64
	Cwd  string
	Cmd  string
	Exit *int
}

// IsMarkerLine reports whether a normalized line is a marker.
func IsMarkerLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, MarkerBlockBegin) ||
		strings.HasPrefix(trimmed, MarkerBlockEnd) ||
		strings.HasPrefix(trimmed, MarkerPrompt)
}

// ParseMarker parses a marker line. Unparseable fields are left zero so a
// mangled marker still drives the state machine instead of stalling it.
func ParseMarker(line string) (*Marker, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty marker line")
	}

	m := &Marker{}
	switch fields[0] {
	case MarkerBlockBegin, MarkerBlockEnd, MarkerPrompt:
		m.Kind = fields[0]
	default:
		return nil, fmt.Errorf("not a marker line: %q", fields[0])
	}

	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case "seq":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				m.Seq = n
			}
		case "ts":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				m.Ts = n
			}
		case "exit":
			if n, err := strconv.Atoi(v); err == nil {
				rc := n
				m.Exit = &rc
			}
		case "cwd_b64":
			if raw, err := base64.StdEncoding.DecodeString(v); err == nil {
				m.Cwd = string(raw)
			}
		case "cmd_b64":
			if raw, err := base64.StdEncoding.DecodeString(v); err == nil {
				m.Cmd = string(raw)
			}
		}
	}
	return m, nil
}

// FormatBegin renders a BEGIN marker line (used by the managed rcfile and
// by tests feeding synthetic streams).
func FormatBegin(seq, ts int64, cwd, cmd string) string {
	return fmt.Sprintf("%s seq=%d ts=%d cwd_b64=%s cmd_b64=%s",
		MarkerBlockBegin, seq, ts,
		base64.StdEncoding.EncodeToString([]byte(cwd)),
		base64.StdEncoding.EncodeToString([]byte(cmd)))
}

// FormatEnd renders an END marker line.
func FormatEnd(seq, ts int64, exit int) string {
	return fmt.Sprintf("%s seq=%d ts=%d exit=%d", MarkerBlockEnd, seq, ts, exit)
}

// FormatPrompt renders a prompt sentinel line.
func FormatPrompt(ts int64, cwd string, exit *int) string {
	s := fmt.Sprintf("%s ts=%d cwd_b64=%s", MarkerPrompt, ts,
		base64.StdEncoding.EncodeToString([]byte(cwd)))
	if exit != nil {
		s += fmt.Sprintf(" exit=%d", *exit)
	}
	return s
}
