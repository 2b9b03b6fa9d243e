package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// The child emits the same diff through several paths: a short item-level
// diff, a contextual turn-level diff, and sometimes embedded in an
// approval request. Signature computes a content identity that is stable
// across those renderings so only one copy per turn is surfaced.

// CanonicalizeDiff normalizes line endings and strips trailing whitespace
// per line so renderings differing only in formatting compare equal.
func CanonicalizeDiff(diff string) string {
	diff = strings.ReplaceAll(diff, "\r\n", "\n")
	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// DiffSignature hashes the normalized file headers, hunk headers, and body
// of a unified diff. Index lines and mode chatter are excluded so short
// and contextual renderings of the same change collide.
func DiffSignature(diff string) string {
	var headers, hunks, body strings.Builder
	for _, line := range strings.Split(CanonicalizeDiff(diff), "\n") {
		switch {
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ "):
			headers.WriteString(normalizeFileHeader(line))
			headers.WriteByte('\n')
		case strings.HasPrefix(line, "@@"):
			hunks.WriteString(line)
			hunks.WriteByte('\n')
		case strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, " "):
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	h := sha256.New()
	h.Write([]byte(headers.String()))
	h.Write([]byte{0})
	h.Write([]byte(hunks.String()))
	h.Write([]byte{0})
	h.Write([]byte(body.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeFileHeader strips the a/ b/ prefixes and timestamp suffixes git
// and plain diff add to --- / +++ lines.
func normalizeFileHeader(line string) string {
	prefix := line[:4]
	rest := line[4:]
	if tab := strings.IndexByte(rest, '\t'); tab >= 0 {
		rest = rest[:tab]
	}
	rest = strings.TrimPrefix(rest, "a/")
	rest = strings.TrimPrefix(rest, "b/")
	return prefix + rest
}
