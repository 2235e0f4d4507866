package installer

import (
	"regexp"
	"strings"
)

// devServerClauses are dropped from install commands: starting the server
// is the launcher's job and would block installation forever.
var devServerClauses = map[string]bool{
	"npm run dev":    true,
	"npm run start":  true,
	"npm run server": true,
	"npm start":      true,
}

// npmInstallPattern finds "npm install" as a command word. A match counts
// only when the next byte ends the word, so "npm install-test" and
// "pnpm install" are left alone.
var npmInstallPattern = regexp.MustCompile(`(?:^|[\s;&|(])npm\s+install`)

// Normalize rewrites a raw install command for execution inside a
// workspace: dev-server clauses are removed, an empty result becomes a
// plain "npm install", and every npm install is pointed at cacheDir.
func Normalize(command, cacheDir string) string {
	var kept []string
	for _, clause := range strings.Split(command, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" || devServerClauses[strings.Join(strings.Fields(clause), " ")] {
			continue
		}
		kept = append(kept, clause)
	}
	if len(kept) == 0 {
		kept = []string{"npm install"}
	}

	out := strings.Join(kept, " && ")
	if cacheDir != "" {
		out = AddFlag(out, "--cache "+shellQuote(cacheDir))
	}
	return out
}

// AddFlag inserts flag after every "npm install" clause of command that does
// not already carry it.
func AddFlag(command, flag string) string {
	name := strings.Fields(flag)[0]
	clauses := strings.Split(command, "&&")
	for i, clause := range clauses {
		if hasFlag(clause, name) {
			continue
		}
		clauses[i] = insertAfterInstall(clause, flag)
	}
	return strings.Join(clauses, "&&")
}

func insertAfterInstall(clause, flag string) string {
	var b strings.Builder
	last := 0
	for _, m := range npmInstallPattern.FindAllStringIndex(clause, -1) {
		end := m[1]
		if end < len(clause) && !endsWord(clause[end]) {
			continue
		}
		b.WriteString(clause[last:end])
		b.WriteString(" " + flag)
		last = end
	}
	b.WriteString(clause[last:])
	return b.String()
}

func endsWord(c byte) bool {
	return strings.IndexByte(" \t\r\n;&|)", c) >= 0
}

func hasFlag(clause, name string) bool {
	for _, f := range strings.Fields(clause) {
		if f == name || strings.HasPrefix(f, name+"=") {
			return true
		}
	}
	return false
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
