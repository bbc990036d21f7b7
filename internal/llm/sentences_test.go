package llm

import "testing"

func TestSentenceSplitterBasic(t *testing.T) {
	var s SentenceSplitter
	got := s.Feed("Hello there. How are")
	if len(got) != 1 || got[0] != "Hello there." {
		t.Fatalf("Feed() = %v, want [Hello there.]", got)
	}
	got = s.Feed(" you today? I am fine")
	if len(got) != 1 || got[0] != "How are you today?" {
		t.Fatalf("Feed() = %v, want [How are you today?]", got)
	}
	if rest := s.Flush(); rest != "I am fine" {
		t.Fatalf("Flush() = %q, want %q", rest, "I am fine")
	}
}

func TestSentenceSplitterAcrossDeltas(t *testing.T) {
	var s SentenceSplitter
	deltas := []string{"Sure", "! Here", " is one idea", ". And another."}
	var all []string
	for _, d := range deltas {
		all = append(all, s.Feed(d)...)
	}
	if rest := s.Flush(); rest != "" {
		all = append(all, rest)
	}

	want := []string{"Sure!", "Here is one idea.", "And another."}
	if len(all) != len(want) {
		t.Fatalf("sentences = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("sentences[%d] = %q, want %q", i, all[i], want[i])
		}
	}
}

func TestSentenceSplitterDoesNotSplitDecimals(t *testing.T) {
	var s SentenceSplitter
	got := s.Feed("The value is 3.14 exactly. Next")
	if len(got) != 1 || got[0] != "The value is 3.14 exactly." {
		t.Fatalf("Feed() = %v", got)
	}
}

func TestSentenceSplitterTerminatorAtEdgeWaitsForFlush(t *testing.T) {
	var s SentenceSplitter
	if got := s.Feed("Done."); len(got) != 0 {
		t.Fatalf("Feed() = %v, want nothing before stream end", got)
	}
	if rest := s.Flush(); rest != "Done." {
		t.Fatalf("Flush() = %q, want %q", rest, "Done.")
	}
}

func TestSentenceSplitterEmptyInput(t *testing.T) {
	var s SentenceSplitter
	if got := s.Feed(""); got != nil {
		t.Fatalf("Feed(\"\") = %v, want nil", got)
	}
	if rest := s.Flush(); rest != "" {
		t.Fatalf("Flush() = %q, want empty", rest)
	}
}
