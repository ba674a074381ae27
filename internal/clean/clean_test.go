package clean

import (
	"strings"
	"testing"
)

// TestQuoteStripping matches §8 scenario 2 literally.
func TestQuoteStripping(t *testing.T) {
	body := "That sounds reasonable. Let's go with the revised numbers.\n\n" +
		"Can we schedule a call Thursday to finalize?\n\n" +
		"On Mon, Feb 17, 2026 at 9:30 AM You <you@gmail.com> wrote:\n" +
		"> How about we split the implementation into two phases?\n" +
		"> Phase 1 at $8K and Phase 2 at $5K?\n"

	result := Clean(body, "")

	if !strings.Contains(result.Body, "That sounds reasonable") || !strings.Contains(result.Body, "schedule a call Thursday") {
		t.Fatalf("expected cleaned body to retain non-quoted content, got: %q", result.Body)
	}
	if strings.Contains(result.Body, "How about we split") {
		t.Fatalf("expected quoted content to be removed, got: %q", result.Body)
	}
}

func TestSignatureStripping(t *testing.T) {
	body := "Sounds good, see you then. Let's finalize the plan on our call.\n\n" +
		"--\nJane Doe\nSenior Engineer, Example Corp\n555-0100\n"

	result := Clean(body, "")
	if strings.Contains(result.Body, "Senior Engineer") {
		t.Fatalf("expected signature to be stripped, got: %q", result.Body)
	}
	if !strings.Contains(result.Body, "Sounds good") {
		t.Fatalf("expected body content preserved, got: %q", result.Body)
	}
}

func TestSignatureStrippingShortInputKeepsText(t *testing.T) {
	body := "hi\n--\nbye"
	result := Clean(body, "")
	if result.Body == "" {
		t.Fatalf("expected non-empty body for short input, got empty")
	}
}

func TestHTMLAnchorPreserved(t *testing.T) {
	input := `<p>Please <a href="https://example.com/invoice">view your invoice</a> today.</p>`
	result := Clean("", input)
	if !strings.Contains(result.Body, "[view your invoice](https://example.com/invoice)") {
		t.Fatalf("expected anchor rendered as markdown link, got: %q", result.Body)
	}
}

func TestSnippetTruncatesAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 100)
	result := Clean(long, "")
	if len([]rune(result.Snippet)) > snippetCap+1 {
		t.Fatalf("snippet exceeds cap: %d runes", len([]rune(result.Snippet)))
	}
	if !strings.HasSuffix(result.Snippet, "...") && !strings.ContainsRune(result.Snippet, '…') {
		t.Fatalf("expected ellipsis on truncated snippet, got: %q", result.Snippet)
	}
}

func TestTrackingParamsStripped(t *testing.T) {
	body := "Check this out: https://example.com/page?utm_source=newsletter&id=5"
	result := Clean(body, "")
	if strings.Contains(result.Body, "utm_source") {
		t.Fatalf("expected utm_source to be stripped, got: %q", result.Body)
	}
}
