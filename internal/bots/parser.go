package bots

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mention is one @token in a message with its parsed command segment
type Mention struct {
	Token   string            // text after @, e.g. "editorial"
	Command string            // first bare word after the token
	Params  map[string]string // key=value and key="quoted value" pairs
	Args    []string          // remaining positional words
}

// ParseMentions finds every @mention in content. A mention's segment runs to
// the next mention or the end of the line.
func ParseMentions(content string) []Mention {
	var mentions []Mention
	for _, line := range strings.Split(content, "\n") {
		mentions = append(mentions, parseLine(line)...)
	}
	return mentions
}

func parseLine(line string) []Mention {
	var (
		mentions []Mention
		starts   []int
	)
	for i, r := range line {
		if r != '@' {
			continue
		}
		// Ignore e-mail addresses such as ada@example.org
		if prev, _ := utf8.DecodeLastRuneInString(line[:i]); i > 0 && !unicode.IsSpace(prev) {
			continue
		}
		if next, _ := utf8.DecodeRuneInString(line[i+1:]); i+1 < len(line) && isTokenChar(next) {
			starts = append(starts, i)
		}
	}

	for n, start := range starts {
		end := len(line)
		if n+1 < len(starts) {
			end = starts[n+1]
		}
		mentions = append(mentions, parseSegment(line[start+1:end]))
	}
	return mentions
}

func isTokenChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

func parseSegment(segment string) Mention {
	i := 0
	for i < len(segment) {
		r, size := utf8.DecodeRuneInString(segment[i:])
		if !isTokenChar(r) {
			break
		}
		i += size
	}
	m := Mention{Token: segment[:i], Params: map[string]string{}}

	for _, word := range splitWords(strings.TrimLeft(segment[i:], ":,")) {
		if key, value, ok := splitParam(word); ok {
			m.Params[key] = value
			continue
		}
		if m.Command == "" && len(m.Args) == 0 {
			m.Command = strings.ToLower(strings.TrimRight(word, ".,!?;:"))
			continue
		}
		m.Args = append(m.Args, word)
	}
	return m
}

// splitWords splits on whitespace while keeping "quoted values" intact
func splitWords(s string) []string {
	var (
		words   []string
		current strings.Builder
		quoted  bool
		started bool
	)
	flush := func() {
		if started {
			words = append(words, current.String())
		}
		current.Reset()
		started = false
	}

	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
			started = true
		case unicode.IsSpace(r) && !quoted:
			flush()
		default:
			current.WriteRune(r)
			started = true
		}
	}
	flush()
	return words
}

func splitParam(word string) (string, string, bool) {
	eq := strings.IndexByte(word, '=')
	if eq <= 0 {
		return "", "", false
	}
	key := word[:eq]
	for _, r := range key {
		if !isTokenChar(r) {
			return "", "", false
		}
	}
	value := word[eq+1:]
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		value = value[1 : len(value)-1]
	}
	return strings.ToLower(key), value, true
}
