package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errUnbalancedQuotes = errors.New("unbalanced quotes")

// WrapperScript renders a CommonJS launcher for startCmd. The command runs
// through a shell with inherited stdio; signals are forwarded and the
// wrapper exits with the child's status.
func WrapperScript(startCmd string) (string, error) {
	words, err := splitWords(startCmd)
	if err != nil || len(words) == 0 {
		words = []string{startCmd}
	}

	command, err := json.Marshal(words[0])
	if err != nil {
		return "", err
	}
	args, err := json.Marshal(words[1:])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`const { spawn } = require('child_process');

const child = spawn(%s, %s, {
  stdio: 'inherit',
  shell: true,
  env: process.env,
});

for (const sig of ['SIGINT', 'SIGTERM']) {
  process.on(sig, () => child.kill(sig));
}

child.on('exit', (code) => {
  process.exit(code === null ? 1 : code);
});
`, command, args), nil
}

// WriteWrapper writes the launcher script for startCmd to path.
func WriteWrapper(path, startCmd string) error {
	script, err := WrapperScript(startCmd)
	if err != nil {
		return fmt.Errorf("render wrapper: %w", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// splitWords splits s into words using POSIX shell quoting rules for
// single quotes, double quotes and backslashes.
func splitWords(s string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped, inWord = true, true
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, errUnbalancedQuotes
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
