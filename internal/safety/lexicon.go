// Package safety implements the two-stage crisis detector: a fuzzy lexicon
// prefilter over final user transcripts, confirmed by a short deterministic
// LLM classification. Detection is advisory; a confirmed signal is published
// on the session bus and never closes the session.
package safety

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// defaultPhrases is the self-harm phrase lexicon. The list errs towards
// sensitivity; a false positive only costs one classifier call.
var defaultPhrases = []string{
	"kill myself",
	"want to die",
	"suicide",
	"no reason to live",
	"self harm",
	"cut myself",
	"jump off",
	"overdose",
	"better off dead",
	"end my life",
	"end it all",
	"hurt myself",
}

// Lexicon matches text against a set of phrases token by token: a phrase
// hits when a contiguous window of input tokens aligns with it, each token
// pair being equal, within Levenshtein distance 1, or sharing a Double
// Metaphone code. Read-only after construction and safe for concurrent use.
type Lexicon struct {
	raw     []string
	phrases [][]string
}

// NewLexicon builds a lexicon from the given phrases, or the builtin
// self-harm list when none are supplied.
func NewLexicon(phrases ...string) *Lexicon {
	if len(phrases) == 0 {
		phrases = defaultPhrases
	}
	l := &Lexicon{raw: phrases, phrases: make([][]string, len(phrases))}
	for i, p := range phrases {
		l.phrases[i] = tokenize(p)
	}
	return l
}

// Match reports the first lexicon phrase found in text. The returned phrase
// is the lexicon entry, not the matched input span.
func (l *Lexicon) Match(text string) (string, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return "", false
	}
	for i, phrase := range l.phrases {
		n := len(phrase)
		if n == 0 || n > len(tokens) {
			continue
		}
		for start := 0; start+n <= len(tokens); start++ {
			if windowMatches(tokens[start:start+n], phrase) {
				return l.raw[i], true
			}
		}
	}
	return "", false
}

func windowMatches(window, phrase []string) bool {
	for i := range phrase {
		if !tokenMatches(window[i], phrase[i]) {
			return false
		}
	}
	return true
}

// tokenMatches applies the per-token fuzzy rule. The edit-distance clause is
// restricted to phrase tokens of four or more characters so that short words
// like "die" only match exactly or phonetically.
func tokenMatches(got, want string) bool {
	if got == want {
		return true
	}
	if len(want) >= 4 && matchr.Levenshtein(got, want) <= 1 {
		return true
	}
	gotPrimary, gotSecondary := matchr.DoubleMetaphone(got)
	wantPrimary, wantSecondary := matchr.DoubleMetaphone(want)
	if gotPrimary == "" || wantPrimary == "" {
		return false
	}
	if gotPrimary == wantPrimary {
		return true
	}
	if wantSecondary != "" && gotPrimary == wantSecondary {
		return true
	}
	if gotSecondary != "" && (gotSecondary == wantPrimary || (wantSecondary != "" && gotSecondary == wantSecondary)) {
		return true
	}
	return false
}

// tokenize lowercases and splits on anything that is not a letter, digit or
// apostrophe, so punctuation and casing never hide a phrase.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
