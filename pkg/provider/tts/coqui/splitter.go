package coqui

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitter cuts streamed text fragments into sentences. A sentence ends at
// '.', '!' or '?' followed by whitespace, so "3.14" and "e.g.this" stay
// whole. The zero value is ready to use.
type splitter struct {
	pending strings.Builder
}

// Push appends frag and returns the sentences it completed, trimmed and
// non-empty. A terminator at the very end of the buffer is held back until
// the next fragment shows what follows it.
func (s *splitter) Push(frag string) []string {
	s.pending.WriteString(frag)
	buf := s.pending.String()

	var out []string
	from := 0
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(buf) {
			break
		}
		next, _ := utf8.DecodeRuneInString(buf[i+1:])
		if !unicode.IsSpace(next) {
			continue
		}
		if sentence := strings.TrimSpace(buf[from : i+1]); sentence != "" {
			out = append(out, sentence)
		}
		from = i + 1
	}

	s.pending.Reset()
	s.pending.WriteString(buf[from:])
	return out
}

// Flush returns whatever is buffered, trimmed, and empties the splitter.
func (s *splitter) Flush() string {
	rest := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return rest
}
