package launcher

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokPunct
	tokTemplate
	tokRegexp
)

// token is a lexical element of a JavaScript or TypeScript source. Start and
// End are byte offsets into the source.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

var errUnterminated = errors.New("unterminated literal or comment")

// tokenize splits src into tokens, dropping whitespace and comments. It
// understands enough of the language to never mistake the contents of a
// string, template, comment or regular expression for code.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case strings.HasPrefix(src[i:], "//"):
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				i = len(src)
			} else {
				i += nl + 1
			}

		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errUnterminated
			}
			i += end + 4

		case c == '"' || c == '\'':
			end, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end

		case c == '`':
			end, err := scanTemplate(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokTemplate, text: src[i:end], start: i, end: end})
			i = end

		case c == '/' && regexAllowed(toks):
			end, err := scanRegexp(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokRegexp, text: src[i:end], start: i, end: end})
			i = end

		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], start: i, end: j})
			i = j

		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(src) && (isIdentPart(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], start: i, end: j})
			i = j

		case strings.HasPrefix(src[i:], "=>"), strings.HasPrefix(src[i:], "..."):
			n := 2
			if src[i] == '.' {
				n = 3
			}
			toks = append(toks, token{kind: tokPunct, text: src[i : i+n], start: i, end: i + n})
			i += n

		default:
			toks = append(toks, token{kind: tokPunct, text: src[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return toks, nil
}

func scanQuoted(src string, i int, quote byte) (int, error) {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1, nil
		case '\n':
			return 0, errUnterminated
		}
	}
	return 0, errUnterminated
}

// scanTemplate skips a template literal, including nested substitutions.
func scanTemplate(src string, i int) (int, error) {
	j := i + 1
	for j < len(src) {
		switch {
		case src[j] == '\\':
			j += 2
		case src[j] == '`':
			return j + 1, nil
		case strings.HasPrefix(src[j:], "${"):
			end, err := scanSubstitution(src, j+2)
			if err != nil {
				return 0, err
			}
			j = end
		default:
			j++
		}
	}
	return 0, errUnterminated
}

// scanSubstitution returns the offset just past the '}' closing a template
// substitution that starts at i.
func scanSubstitution(src string, i int) (int, error) {
	depth := 0
	for j := i; j < len(src); {
		switch c := src[j]; {
		case c == '"' || c == '\'':
			end, err := scanQuoted(src, j, c)
			if err != nil {
				return 0, err
			}
			j = end
		case c == '`':
			end, err := scanTemplate(src, j)
			if err != nil {
				return 0, err
			}
			j = end
		case c == '{':
			depth++
			j++
		case c == '}':
			if depth == 0 {
				return j + 1, nil
			}
			depth--
			j++
		default:
			j++
		}
	}
	return 0, errUnterminated
}

func scanRegexp(src string, i int) (int, error) {
	inClass := false
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '\n':
			return 0, errUnterminated
		case '/':
			if inClass {
				continue
			}
			j++
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			return j, nil
		}
	}
	return 0, errUnterminated
}

// regexAllowed reports whether a '/' at this point starts a regular
// expression rather than a division.
func regexAllowed(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	prev := toks[len(toks)-1]
	switch prev.kind {
	case tokIdent:
		switch prev.text {
		case "return", "typeof", "case", "do", "else", "in", "of", "new", "delete", "void", "throw":
			return true
		}
		return false
	case tokNumber, tokString, tokTemplate, tokRegexp:
		return false
	case tokPunct:
		return prev.text != ")" && prev.text != "]" && prev.text != "}"
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
