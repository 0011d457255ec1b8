package safety_test

import (
	"testing"

	"github.com/chillpanda/bamboo/internal/safety"
)

func TestLexicon_Match(t *testing.T) {
	t.Parallel()

	l := safety.NewLexicon()

	tests := []struct {
		name       string
		text       string
		wantPhrase string
		wantHit    bool
	}{
		{
			name:       "exact phrase",
			text:       "I want to kill myself",
			wantPhrase: "kill myself",
			wantHit:    true,
		},
		{
			name:       "case and punctuation ignored",
			text:       "I WANT TO DIE!!!",
			wantPhrase: "want to die",
			wantHit:    true,
		},
		{
			name:       "single token phrase",
			text:       "she whispered suicide and left",
			wantPhrase: "suicide",
			wantHit:    true,
		},
		{
			name:       "phonetic transposition",
			text:       "gonna kill myslef",
			wantPhrase: "kill myself",
			wantHit:    true,
		},
		{
			name:       "single dropped letter",
			text:       "kil myself tonight",
			wantPhrase: "kill myself",
			wantHit:    true,
		},
		{
			name:       "another builtin phrase",
			text:       "sometimes I just hurt myself",
			wantPhrase: "hurt myself",
			wantHit:    true,
		},
		{
			name:    "benign text",
			text:    "I love bamboo and tea",
			wantHit: false,
		},
		{
			name:    "phrase tokens not contiguous",
			text:    "I want to just die",
			wantHit: false,
		},
		{
			name:    "empty input",
			text:    "",
			wantHit: false,
		},
		{
			name:    "punctuation only",
			text:    "... !!! ...",
			wantHit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			phrase, hit := l.Match(tt.text)
			if hit != tt.wantHit {
				t.Fatalf("Match(%q) hit = %v, want %v (phrase %q)", tt.text, hit, tt.wantHit, phrase)
			}
			if hit && phrase != tt.wantPhrase {
				t.Errorf("Match(%q) phrase = %q, want %q", tt.text, phrase, tt.wantPhrase)
			}
		})
	}
}

func TestLexicon_CustomPhrases(t *testing.T) {
	t.Parallel()

	l := safety.NewLexicon("red alert")

	if phrase, hit := l.Match("this is a RED ALERT situation"); !hit || phrase != "red alert" {
		t.Errorf("Match custom phrase = (%q, %v), want (\"red alert\", true)", phrase, hit)
	}
	// Supplying phrases replaces the builtin list entirely.
	if phrase, hit := l.Match("I want to kill myself"); hit {
		t.Errorf("builtin phrase matched on custom lexicon: %q", phrase)
	}
}

func TestLexicon_ShortTokensMatchExactlyOrPhonetically(t *testing.T) {
	t.Parallel()

	l := safety.NewLexicon()

	// "dye" shares a Double Metaphone code with "die"; edit distance alone
	// must not promote unrelated short words.
	if _, hit := l.Match("i want to dye"); !hit {
		t.Error("phonetic equivalent of a short phrase token should match")
	}
	if phrase, hit := l.Match("i want to dig"); hit {
		t.Errorf("near-spelling of a short token matched: %q", phrase)
	}
}
