// Package formatcheck is the strict validator that decides whether a model
// response is a well-formed web artifact before any grading work is done.
//
// It uses the same grammar as package artifact but applies stricter checks:
// the envelope must carry non-empty id and title attributes, package.json
// must declare the expected keys, core dependencies and scripts,
// vite.config.ts must be present, install and start actions must exist, and
// at least one page or component module must exist, each exporting a default.
package formatcheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/webgrade/pkg/artifact"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// ComponentPattern matches the modules that must export a default.
const ComponentPattern = "src/{pages,components}/**/*.tsx"

var (
	installPattern       = regexp.MustCompile(`\bnpm install\b`)
	startPattern         = regexp.MustCompile(`\bnpm run (dev|start)\b`)
	exportDefaultPattern = regexp.MustCompile(`export\s+default\s+`)
)

// Report is the result of a strict format check.
type Report struct {
	Compliant bool     `json:"compliant"`
	Failures  []string `json:"failures,omitempty"`
}

// Score returns 1.0 for a compliant response and 0.0 otherwise.
func (r Report) Score() float64 {
	if r.Compliant {
		return 1.0
	}
	return 0.0
}

// Validate returns 1.0 when text is a compliant artifact and 0.0 otherwise.
func Validate(text string) float64 {
	return Check(text).Score()
}

// Compliant reports whether text passes every strict check.
func Compliant(text string) bool {
	return Check(text).Compliant
}

// Check runs all checks and collects every failure.
func Check(text string) Report {
	art, err := artifact.Parse(text)
	if err != nil {
		return Report{Failures: []string{err.Error()}}
	}

	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	for _, attr := range []string{"id", "title"} {
		if v, ok := art.Attrs[attr]; !ok {
			fail("artifact is missing the %s attribute", attr)
		} else if v == "" {
			fail("artifact has an empty %s attribute", attr)
		}
	}

	hasPackageJSON, hasViteConfig, hasComponent := false, false, false
	for _, f := range art.Files() {
		switch {
		case f.Path == "package.json":
			hasPackageJSON = true
			failures = append(failures, workspace.CheckManifest([]byte(f.Content))...)
		case f.Path == "vite.config.ts":
			hasViteConfig = true
		case isComponent(f.Path):
			hasComponent = true
			if !exportDefaultPattern.MatchString(f.Content) {
				fail("%s has no default export", f.Path)
			}
		}
	}
	if !hasPackageJSON {
		fail("package.json is missing")
	}
	if !hasViteConfig {
		fail("vite.config.ts is missing")
	}
	if !hasComponent {
		fail("no page or component module matches %s", ComponentPattern)
	}

	if !anyMatch(art.ShellCommands(), installPattern) {
		fail("no shell action runs npm install")
	}
	var starts []string
	for _, act := range art.Actions {
		if act.Kind == artifact.KindStart {
			starts = append(starts, act.Content)
		}
	}
	if !anyMatch(starts, startPattern) {
		fail("no start action runs npm run dev or npm run start")
	}

	return Report{Compliant: len(failures) == 0, Failures: failures}
}

func isComponent(path string) bool {
	ok, err := doublestar.Match(ComponentPattern, strings.TrimPrefix(path, "./"))
	return err == nil && ok
}

func anyMatch(values []string, re *regexp.Regexp) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
