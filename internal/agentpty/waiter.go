package agentpty

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"
)

// Special match tokens.
const (
	MatchPrompt = "PROMPT"
	MatchEOF    = "EOF"
)

// MatchSpec describes what a wait_for call is looking for.
type MatchSpec struct {
	// Literal substring match, or one of the special tokens above.
	Match string
	// Regex, when set, takes precedence over Match.
	Regex string
}

// WaitResult is the outcome of a wait_for. ResumeCursor is the single
// canonical resumable position: match end on success, spool size on
// timeout. It is monotonic non-decreasing across successful calls.
type WaitResult struct {
	Matched      bool   `json:"matched"`
	MatchText    string `json:"match_text,omitempty"`
	MatchStart   int64  `json:"match_start,omitempty"`
	MatchEnd     int64  `json:"match_end,omitempty"`
	ResumeCursor int64  `json:"resume_cursor"`
}

// regexOverlap bounds how far back a rescan reaches so matches spanning an
// append boundary are not missed.
const regexOverlap = 4096

// WaitFor scans the spool from fromCursor for the first occurrence of the
// match, blocking until found, timeout, or ctx cancellation. Waiters are
// woken on every spool change and re-scan only their unseen window (plus
// a bounded overlap).
func WaitFor(ctx context.Context, sp *Spool, spec MatchSpec, fromCursor int64, timeout time.Duration, maxBytes int64) (*WaitResult, error) {
	if fromCursor < 0 {
		fromCursor = 0
	}

	// A cursor past the end returns immediately with the current size.
	if size := sp.Size(); fromCursor > size {
		return &WaitResult{Matched: false, ResumeCursor: size}, nil
	}

	var re *regexp.Regexp
	if spec.Regex != "" {
		var err error
		re, err = regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex: %v", ErrValidation, err)
		}
	} else if spec.Match == "" {
		return nil, fmt.Errorf("%w: empty match", ErrValidation)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	lastChecked := fromCursor
	for {
		changed := sp.Changed()

		switch {
		case spec.Regex == "" && spec.Match == MatchPrompt:
			if pos := sp.PromptSince(fromCursor); pos >= 0 {
				return &WaitResult{Matched: true, MatchText: MatchPrompt, MatchStart: pos, MatchEnd: pos, ResumeCursor: pos}, nil
			}
		case spec.Regex == "" && spec.Match == MatchEOF:
			if sp.EOF() {
				size := sp.Size()
				return &WaitResult{Matched: true, MatchText: MatchEOF, MatchStart: size, MatchEnd: size, ResumeCursor: size}, nil
			}
		default:
			res, newChecked, err := scanWindow(sp, spec.Match, re, fromCursor, lastChecked, maxBytes)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
			lastChecked = newChecked
			if maxBytes > 0 && lastChecked-fromCursor >= maxBytes {
				return &WaitResult{Matched: false, ResumeCursor: fromCursor + maxBytes}, nil
			}
		}

		// EOF without a match ends the wait early; nothing more can arrive.
		if sp.EOF() && spec.Match != MatchEOF {
			return &WaitResult{Matched: false, ResumeCursor: sp.Size()}, nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return &WaitResult{Matched: false, ResumeCursor: sp.Size()}, nil
		case <-ctx.Done():
			return &WaitResult{Matched: false, ResumeCursor: sp.Size()}, ctx.Err()
		}
	}
}

// scanWindow searches [scanStart, size) where scanStart backs off from
// lastChecked by a bounded overlap. Returns a result on match, else the
// new lastChecked watermark.
func scanWindow(sp *Spool, literal string, re *regexp.Regexp, fromCursor, lastChecked int64, maxBytes int64) (*WaitResult, int64, error) {
	size := sp.Size()
	if size <= lastChecked && lastChecked > fromCursor {
		return nil, lastChecked, nil
	}

	scanStart := lastChecked - regexOverlap
	if scanStart < fromCursor {
		scanStart = fromCursor
	}

	windowMax := int64(0)
	if maxBytes > 0 {
		windowMax = fromCursor + maxBytes - scanStart
		if windowMax <= 0 {
			return nil, lastChecked, nil
		}
	}

	window, err := sp.ReadAt(scanStart, windowMax)
	if err != nil {
		return nil, lastChecked, err
	}

	var start, end int
	found := false
	if re != nil {
		if loc := re.FindIndex(window); loc != nil {
			start, end, found = loc[0], loc[1], true
		}
	} else {
		if idx := bytes.Index(window, []byte(literal)); idx >= 0 {
			start, end, found = idx, idx+len(literal), true
		}
	}

	if found {
		absStart := scanStart + int64(start)
		absEnd := scanStart + int64(end)
		return &WaitResult{
			Matched:      true,
			MatchText:    string(window[start:end]),
			MatchStart:   absStart,
			MatchEnd:     absEnd,
			ResumeCursor: absEnd,
		}, absEnd, nil
	}
	return nil, scanStart + int64(len(window)), nil
}
