package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeDiff(t *testing.T) {
	in := "--- a/main.go\r\n+++ b/main.go\r\n@@ -1 +1 @@\t\n-old  \n+new\n\n"
	want := "--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new"
	assert.Equal(t, want, CanonicalizeDiff(in))
}

func TestDiffSignatureStableAcrossRenderings(t *testing.T) {
	// Short item rendering: plain paths, no git chatter.
	short := "--- main.go\n+++ main.go\n@@ -1 +1 @@\n-old\n+new\n"

	// Contextual turn rendering: git prefixes, timestamps, index line.
	contextual := "diff --git a/main.go b/main.go\n" +
		"index abc123..def456 100644\n" +
		"--- a/main.go\t2026-01-01 00:00:00\n" +
		"+++ b/main.go\t2026-01-01 00:00:01\n" +
		"@@ -1 +1 @@\n" +
		"-old\n" +
		"+new\n"

	assert.Equal(t, DiffSignature(short), DiffSignature(contextual))
}

func TestDiffSignatureCRLFInsensitive(t *testing.T) {
	lf := "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+y\n"
	crlf := "--- a/f\r\n+++ b/f\r\n@@ -1 +1 @@\r\n-x  \r\n+y\r\n"
	assert.Equal(t, DiffSignature(lf), DiffSignature(crlf))
}

func TestDiffSignatureDistinguishesContent(t *testing.T) {
	a := "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+y\n"
	b := "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-x\n+z\n"
	c := "--- a/g\n+++ b/g\n@@ -1 +1 @@\n-x\n+y\n"
	assert.NotEqual(t, DiffSignature(a), DiffSignature(b))
	assert.NotEqual(t, DiffSignature(a), DiffSignature(c))
}
