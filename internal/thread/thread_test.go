package thread

import "testing"

func rawWithHeaders(messageID, inReplyTo, references string) []byte {
	var b string
	if messageID != "" {
		b += "Message-Id: <" + messageID + ">\n"
	}
	if inReplyTo != "" {
		b += "In-Reply-To: <" + inReplyTo + ">\n"
	}
	if references != "" {
		b += "References: " + references + "\n"
	}
	b += "\nbody\n"
	return []byte(b)
}

func TestGroupInheritsViaInReplyTo(t *testing.T) {
	items := []Item{
		{Raw: rawWithHeaders("m1", "", ""), Subject: "Budget"},
		{Raw: rawWithHeaders("m2", "m1", ""), Subject: "Re: Budget"},
	}
	got := Group(items)
	if got[0].ThreadID != got[1].ThreadID {
		t.Fatalf("expected same thread id, got %q and %q", got[0].ThreadID, got[1].ThreadID)
	}
}

func TestGroupInheritsViaReferences(t *testing.T) {
	items := []Item{
		{Raw: rawWithHeaders("m1", "", ""), Subject: "Budget"},
		{Raw: rawWithHeaders("m2", "", "<other> <m1>"), Subject: "Re: Budget"},
	}
	got := Group(items)
	if got[0].ThreadID != got[1].ThreadID {
		t.Fatalf("expected same thread id via references, got %q and %q", got[0].ThreadID, got[1].ThreadID)
	}
}

func TestGroupFallsBackToSubjectHash(t *testing.T) {
	items := []Item{
		{Raw: rawWithHeaders("m1", "", ""), Subject: "Quarterly Report"},
		{Raw: rawWithHeaders("m2", "", ""), Subject: "Fwd: Quarterly Report"},
	}
	got := Group(items)
	if got[0].ThreadID != got[1].ThreadID {
		t.Fatalf("expected subject-hash match after normalization, got %q and %q", got[0].ThreadID, got[1].ThreadID)
	}
	if len(got[0].ThreadID) != 8 {
		t.Fatalf("expected 8-char thread id, got %q", got[0].ThreadID)
	}
}

func TestGroupFallbackUsesUIDWhenNoSubjectOrMessageID(t *testing.T) {
	items := []Item{
		{Raw: []byte("\nbody\n"), Subject: "", Fallback: "uid-42"},
	}
	got := Group(items)
	if got[0].ThreadID == "" {
		t.Fatalf("expected non-empty thread id from fallback")
	}
}

func TestNormalizeSubjectStripsRepeatedPrefixes(t *testing.T) {
	got := NormalizeSubject("Re: Fwd: RE: Quarterly Report")
	if got != "quarterly report" {
		t.Fatalf("expected normalized subject, got %q", got)
	}
}
