package artifact

import (
	"errors"
	"strings"
)

var (
	errUnterminatedTag   = errors.New("unterminated tag")
	errMalformedAttr     = errors.New("malformed attribute")
	errUnterminatedValue = errors.New("unterminated attribute value")
)

type scanner struct {
	src string
	pos int
}

// findTag returns the offset of the next "<name" that is followed by a tag
// boundary, or -1.
func (s *scanner) findTag(name string) int {
	needle := "<" + name
	from := s.pos
	for from < len(s.src) {
		i := strings.Index(s.src[from:], needle)
		if i < 0 {
			return -1
		}
		at := from + i
		next := at + len(needle)
		if next >= len(s.src) || isTagBoundary(s.src[next]) {
			return at
		}
		from = next
	}
	return -1
}

// readAttrs consumes attributes up to and including the closing '>' of the
// current tag. On a syntax error it skips to the end of the tag and reports
// the error alongside whatever was parsed.
func (s *scanner) readAttrs() (map[string]string, bool, error) {
	attrs := map[string]string{}
	for {
		s.skipSpace()
		if s.eof() {
			return attrs, false, errUnterminatedTag
		}
		switch {
		case s.src[s.pos] == '>':
			s.pos++
			return attrs, false, nil
		case strings.HasPrefix(s.src[s.pos:], "/>"):
			s.pos += 2
			return attrs, true, nil
		}

		name := s.readName()
		if name == "" {
			return attrs, s.recover(), errMalformedAttr
		}

		s.skipSpace()
		if s.eof() || s.src[s.pos] != '=' {
			// Bare attribute.
			attrs[name] = ""
			continue
		}
		s.pos++
		s.skipSpace()
		if s.eof() {
			return attrs, false, errUnterminatedTag
		}

		quote := s.src[s.pos]
		if quote != '"' && quote != '\'' {
			return attrs, s.recover(), errMalformedAttr
		}
		end := strings.IndexByte(s.src[s.pos+1:], quote)
		if end < 0 {
			return attrs, s.recover(), errUnterminatedValue
		}
		attrs[name] = s.src[s.pos+1 : s.pos+1+end]
		s.pos += end + 2
	}
}

// recover advances past the next '>' and reports whether the tag was
// self-closing.
func (s *scanner) recover() bool {
	i := strings.IndexByte(s.src[s.pos:], '>')
	if i < 0 {
		s.pos = len(s.src)
		return false
	}
	selfClosing := i > 0 && s.src[s.pos+i-1] == '/'
	s.pos += i + 1
	return selfClosing
}

func (s *scanner) readName() string {
	start := s.pos
	for !s.eof() && isNameByte(s.src[s.pos], s.pos == start) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) skipSpace() {
	for !s.eof() && isSpace(s.src[s.pos]) {
		s.pos++
	}
}

func (s *scanner) eof() bool {
	return s.pos >= len(s.src)
}

func isTagBoundary(c byte) bool {
	return isSpace(c) || c == '>' || c == '/'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		return true
	case c >= '0' && c <= '9', c == '-', c == '.':
		return !first
	}
	return false
}
