// Package intent detects when a user wants to end the conversation.
//
// A [Detector] holds a fixed set of exit phrases. Matching is a
// case-insensitive substring test by default. When phonetic matching is
// enabled, phrases that are long enough to carry a stable pronunciation
// (six or more letters, or more than one word) are also matched against
// misheard transcripts such as "good bye" or "and session":
//
//  1. Phonetic candidate filtering: the Double Metaphone codes of a window of
//     transcript words (spaces removed) must overlap with the codes of the
//     phrase.
//  2. Jaro-Winkler ranking: the window must score at least the configured
//     threshold against the phrase (default 0.85).
//
// Short phrases such as "exit" or "quit" are never matched phonetically; too
// many ordinary words sound like them.
package intent

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultThreshold = 0.85

	// minPhoneticLetters is the shortest single-word phrase eligible for
	// phonetic matching.
	minPhoneticLetters = 6
)

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithPhonetic enables phonetic matching.
func WithPhonetic(enabled bool) Option {
	return func(d *Detector) { d.phonetic = enabled }
}

// WithThreshold sets the minimum Jaro-Winkler score for a phonetic match.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

type phrase struct {
	raw     string
	lower   string
	tokens  int
	compact string
	codes   map[string]struct{}
	fuzzy   bool
}

// Detector matches text against exit phrases. It is read-only after
// construction and safe for concurrent use.
type Detector struct {
	phrases   []phrase
	phonetic  bool
	threshold float64
}

// New returns a Detector for phrases. Blank phrases are ignored.
func New(phrases []string, opts ...Option) *Detector {
	d := &Detector{threshold: defaultThreshold}
	for _, o := range opts {
		o(d)
	}
	for _, raw := range phrases {
		toks := words(raw)
		if len(toks) == 0 {
			continue
		}
		compact := strings.Join(toks, "")
		d.phrases = append(d.phrases, phrase{
			raw:     raw,
			lower:   strings.ToLower(strings.TrimSpace(raw)),
			tokens:  len(toks),
			compact: compact,
			codes:   codes(compact),
			fuzzy:   len(toks) > 1 || len([]rune(compact)) >= minPhoneticLetters,
		})
	}
	return d
}

// Phrases returns the configured phrases in order.
func (d *Detector) Phrases() []string {
	out := make([]string, len(d.phrases))
	for i, p := range d.phrases {
		out[i] = p.raw
	}
	return out
}

// Match reports whether text expresses exit intent and which phrase matched.
func (d *Detector) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p.lower) {
			return p.raw, true
		}
	}
	if !d.phonetic {
		return "", false
	}

	toks := words(text)
	for _, p := range d.phrases {
		if !p.fuzzy {
			continue
		}
		// A misheard phrase can gain or lose a word boundary, so windows one
		// word shorter and longer than the phrase are tried too.
		for size := max(p.tokens-1, 1); size <= p.tokens+1; size++ {
			for i := 0; i+size <= len(toks); i++ {
				w := strings.Join(toks[i:i+size], "")
				if !overlap(codes(w), p.codes) {
					continue
				}
				if matchr.JaroWinkler(w, p.compact, false) >= d.threshold {
					return p.raw, true
				}
			}
		}
	}
	return "", false
}

// ---- helpers ----

// words lower-cases s and splits it into letter/digit runs.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// codes returns the non-empty Double Metaphone codes of s.
func codes(s string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, a := matchr.DoubleMetaphone(s)
	if p != "" {
		out[p] = struct{}{}
	}
	if a != "" {
		out[a] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
