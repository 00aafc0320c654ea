package orchestrator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceSplitter accumulates streamed text and cuts it into units at
// sentence boundaries, or at maxChars when no boundary shows up in time.
type sentenceSplitter struct {
	buffer   strings.Builder
	maxChars int
}

func newSentenceSplitter(maxChars int) *sentenceSplitter {
	if maxChars <= 0 {
		maxChars = 160
	}
	return &sentenceSplitter{maxChars: maxChars}
}

// Add appends text and returns every unit that is now complete.
func (s *sentenceSplitter) Add(text string) []string {
	s.buffer.WriteString(text)
	content := s.buffer.String()

	var units []string
	for {
		cut := sentenceCut(content, s.maxChars)
		if cut == 0 {
			cut = overflowCut(content, s.maxChars)
		}
		if cut == 0 {
			break
		}
		if unit := strings.TrimSpace(content[:cut]); unit != "" {
			units = append(units, unit)
		}
		content = content[cut:]
	}

	s.buffer.Reset()
	s.buffer.WriteString(content)
	return units
}

// Flush returns the remaining text and clears the buffer.
func (s *sentenceSplitter) Flush() string {
	result := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	return result
}

// Pending returns the buffered text without clearing it.
func (s *sentenceSplitter) Pending() string {
	return s.buffer.String()
}

// sentenceCut returns the byte offset just past the first sentence boundary
// within maxChars runes, or 0. A boundary needs whitespace after it, so a
// period at the very end of the buffer waits for more text.
func sentenceCut(s string, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if r == '\n' && strings.TrimSpace(s[:i]) != "" {
			return i + size
		}
		if isTerminal(r) {
			j := i + size
			for j < len(s) {
				r2, sz2 := utf8.DecodeRuneInString(s[j:])
				if !isCloser(r2) && !isTerminal(r2) {
					break
				}
				j += sz2
				runes++
			}
			if runes > maxChars {
				return 0
			}
			if j < len(s) {
				next, _ := utf8.DecodeRuneInString(s[j:])
				if unicode.IsSpace(next) && !(r == '.' && isAbbreviation(s, i)) {
					return j
				}
			}
			i = j
			continue
		}
		i += size
	}
	return 0
}

// overflowCut returns a cut for a buffer longer than maxChars runes with no
// boundary: the last whitespace inside the limit, else the limit itself.
func overflowCut(s string, maxChars int) int {
	if utf8.RuneCountInString(s) <= maxChars {
		return 0
	}
	limit := 0
	for r := 0; r < maxChars; r++ {
		_, size := utf8.DecodeRuneInString(s[limit:])
		limit += size
	}
	if ws := strings.LastIndexFunc(s[:limit], unicode.IsSpace); ws > 0 {
		_, size := utf8.DecodeRuneInString(s[ws:])
		return ws + size
	}
	return limit
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

var abbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "st.",
	"prof.", "inc.", "ltd.", "corp.", "co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "u.s.", "u.k.",
}

// isAbbreviation reports whether the period at i ends a common abbreviation
// or a single-letter initial.
func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	for _, abbr := range abbreviations {
		if word == abbr {
			return true
		}
	}
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
