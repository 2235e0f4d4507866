package launcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrConfigNotFound is returned when the project has no dev-server config.
	ErrConfigNotFound = errors.New("dev server config not found")

	// ErrConfigUnrecognized is returned when a config exists but its shape
	// cannot be rewritten safely.
	ErrConfigUnrecognized = errors.New("dev server config not recognized")
)

// ConfigCandidates are the config file names tried in order.
var ConfigCandidates = []string{"vite.config.ts", "vite.config.js", "vite.config.mts", "vite.config.mjs"}

// Case identifies how a config was rewritten.
type Case string

const (
	// CaseSynthesized: no config-builder call, a new config replaced the file.
	CaseSynthesized Case = "synthesized"

	// CaseServerInserted: the builder call had no server block.
	CaseServerInserted Case = "server_inserted"

	// CasePortInserted: the server block had no port.
	CasePortInserted Case = "port_inserted"

	// CasePortReplaced: an existing port value was overwritten.
	CasePortReplaced Case = "port_replaced"
)

// PortExpression is the config expression that reads the port from the
// environment with defaultPort as fallback.
func PortExpression(defaultPort int) string {
	return fmt.Sprintf("parseInt(process.env.PORT || '%d', 10)", defaultPort)
}

// FindConfig returns the path of the first config candidate present in dir.
func FindConfig(dir string) (string, error) {
	for _, name := range ConfigCandidates {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", ErrConfigNotFound
}

// RewriteConfig makes the project's dev-server config read its port from the
// PORT environment variable. The file is only written when the rewrite
// succeeds.
func RewriteConfig(dir string, defaultPort int) (Case, string, error) {
	path, err := FindConfig(dir)
	if err != nil {
		return "", "", err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return "", path, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	out, c, err := RewriteSource(string(src), defaultPort)
	if err != nil {
		return "", path, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", path, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return c, path, nil
}

// SynthesizedConfig is the config written when the original has no
// defineConfig call.
func SynthesizedConfig(defaultPort int) string {
	return fmt.Sprintf(`import { defineConfig } from 'vite'

export default defineConfig({
  server: {
    port: %s
  }
})
`, PortExpression(defaultPort))
}

// RewriteSource applies the port rewrite to config source text.
//
// The source is tokenized and the argument of the first defineConfig call
// is located, either as an object literal or as the object returned by an
// arrow function. Only the server.port property is touched; every other
// byte of the source is preserved.
func RewriteSource(src string, defaultPort int) (string, Case, error) {
	toks, err := tokenize(src)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrConfigUnrecognized, err)
	}

	call := findCall(toks, "defineConfig")
	if call < 0 {
		return SynthesizedConfig(defaultPort), CaseSynthesized, nil
	}

	open, err := configObject(toks, call+1)
	if err != nil {
		return "", "", err
	}
	props, err := objectProps(toks, open)
	if err != nil {
		return "", "", err
	}

	expr := PortExpression(defaultPort)
	server, ok := props["server"]
	if !ok {
		insert := fmt.Sprintf("\n  server: {\n    port: %s\n  },", expr)
		return splice(src, toks[open].end, toks[open].end, insert), CaseServerInserted, nil
	}

	if !toks[server.value].is(tokPunct, "{") {
		return "", "", fmt.Errorf("%w: server is not an object literal", ErrConfigUnrecognized)
	}
	inner, err := objectProps(toks, server.value)
	if err != nil {
		return "", "", err
	}

	port, ok := inner["port"]
	if !ok {
		at := toks[server.value].end
		return splice(src, at, at, fmt.Sprintf("\n    port: %s,", expr)), CasePortInserted, nil
	}
	return splice(src, toks[port.value].start, toks[port.valueEnd].end, expr), CasePortReplaced, nil
}

func splice(src string, from, to int, insert string) string {
	return src[:from] + insert + src[to:]
}

// findCall returns the index of the '(' following the first call of name.
func findCall(toks []token, name string) int {
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].is(tokIdent, name) && toks[i+1].is(tokPunct, "(") {
			return i + 1
		}
	}
	return -1
}

// configObject returns the index of the '{' of the config object passed as
// the call argument starting at i.
func configObject(toks []token, i int) (int, error) {
	if i >= len(toks) {
		return 0, fmt.Errorf("%w: truncated defineConfig call", ErrConfigUnrecognized)
	}
	if toks[i].is(tokPunct, "{") {
		return i, nil
	}

	// Arrow function: [async] (params) => body  or  [async] param => body.
	if toks[i].is(tokIdent, "async") {
		i++
	}
	var arrow int
	switch {
	case i < len(toks) && toks[i].is(tokPunct, "("):
		closeIdx, err := matching(toks, i)
		if err != nil {
			return 0, err
		}
		arrow = closeIdx + 1
	case i+1 < len(toks) && toks[i].kind == tokIdent:
		arrow = i + 1
	default:
		return 0, fmt.Errorf("%w: defineConfig argument is not an object", ErrConfigUnrecognized)
	}
	if arrow+1 >= len(toks) || !toks[arrow].is(tokPunct, "=>") {
		return 0, fmt.Errorf("%w: defineConfig argument is not an object", ErrConfigUnrecognized)
	}

	body := arrow + 1
	switch {
	case toks[body].is(tokPunct, "(") && body+1 < len(toks) && toks[body+1].is(tokPunct, "{"):
		return body + 1, nil
	case toks[body].is(tokPunct, "{"):
		return returnedObject(toks, body)
	}
	return 0, fmt.Errorf("%w: unsupported arrow function body", ErrConfigUnrecognized)
}

// returnedObject finds the object literal returned at the top level of the
// block starting at open.
func returnedObject(toks []token, open int) (int, error) {
	closeIdx, err := matching(toks, open)
	if err != nil {
		return 0, err
	}
	depth := 0
	for i := open + 1; i < closeIdx; i++ {
		switch {
		case isOpener(toks[i]):
			depth++
		case isCloser(toks[i]):
			depth--
		case depth == 0 && toks[i].is(tokIdent, "return") && i+1 < closeIdx:
			next := toks[i+1]
			if next.is(tokPunct, "{") {
				return i + 1, nil
			}
			if next.is(tokPunct, "(") && i+2 < closeIdx && toks[i+2].is(tokPunct, "{") {
				return i + 2, nil
			}
			return 0, fmt.Errorf("%w: config function does not return an object literal", ErrConfigUnrecognized)
		}
	}
	return 0, fmt.Errorf("%w: config function has no return", ErrConfigUnrecognized)
}

type property struct {
	value    int
	valueEnd int
}

// objectProps parses the top-level "key: value" properties of the object
// literal starting at open. Shorthand, spread, method and computed members
// are skipped.
func objectProps(toks []token, open int) (map[string]property, error) {
	closeIdx, err := matching(toks, open)
	if err != nil {
		return nil, err
	}

	props := map[string]property{}
	i := open + 1
	for i < closeIdx {
		end := i
		depth := 0
		for end < closeIdx {
			t := toks[end]
			if depth == 0 && t.is(tokPunct, ",") {
				break
			}
			if isOpener(t) {
				depth++
			} else if isCloser(t) {
				depth--
			}
			end++
		}

		if end-i >= 3 && toks[i+1].is(tokPunct, ":") {
			if key, ok := propertyKey(toks[i]); ok {
				// Later duplicates win, as they do at runtime.
				props[key] = property{value: i + 2, valueEnd: end - 1}
			}
		}
		i = end + 1
	}
	return props, nil
}

func propertyKey(t token) (string, bool) {
	switch t.kind {
	case tokIdent:
		return t.text, true
	case tokString:
		return t.text[1 : len(t.text)-1], true
	}
	return "", false
}

// matching returns the index of the bracket closing the one at open.
func matching(toks []token, open int) (int, error) {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case isOpener(toks[i]):
			depth++
		case isCloser(toks[i]):
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unbalanced brackets", ErrConfigUnrecognized)
}

func isOpener(t token) bool {
	return t.kind == tokPunct && strings.Contains("({[", t.text)
}

func isCloser(t token) bool {
	return t.kind == tokPunct && strings.Contains(")}]", t.text)
}
