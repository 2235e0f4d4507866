// Package artifact parses the markup envelope that carries a generated web
// project inside a model response.
//
// A response embeds at most one artifact:
//
//	<webArtifact id="todo-app" title="Todo App">
//	  <webAction type="file" filePath="package.json">{ ... }</webAction>
//	  <webAction type="shell">npm install</webAction>
//	  <webAction type="start">npm run dev</webAction>
//	</webArtifact>
//
// Parsing is done by a small scanner rather than regular expressions so that
// attribute order, quoting and stray markup are handled uniformly. Only the
// first complete artifact is used. Actions with unknown types are ignored and
// actions whose attributes cannot be parsed contribute nothing.
package artifact

import (
	"errors"
	"strings"
)

// ErrNoArtifact is returned when the text contains no complete artifact.
var ErrNoArtifact = errors.New("no web artifact found")

// Kind identifies the type of an action.
type Kind string

const (
	// KindFile writes a file relative to the project root.
	KindFile Kind = "file"

	// KindShell is an install-time shell command.
	KindShell Kind = "shell"

	// KindStart is the command that launches the dev server.
	KindStart Kind = "start"
)

const (
	// DefaultInstallCommand is used when the artifact carries no shell action.
	DefaultInstallCommand = "npm install"

	// DefaultStartCommand is used when the artifact carries no start action.
	DefaultStartCommand = "npm run dev"
)

// Action is one unit of work inside an artifact.
type Action struct {
	Kind Kind

	// Path is the file path for file actions, empty otherwise.
	Path string

	// Content is the trimmed action body.
	Content string
}

// Skip describes an action the parser dropped.
type Skip struct {
	Offset int
	Reason string
}

// Artifact is the parsed envelope.
type Artifact struct {
	ID      string
	Title   string
	Attrs   map[string]string
	Actions []Action

	// Skipped lists actions that were present but contributed nothing.
	Skipped []Skip
}

// CommandSet is the derived install and start commands of an artifact.
type CommandSet struct {
	Install []string
	Start   string
}

// Files returns the file actions in document order.
func (a *Artifact) Files() []Action {
	return a.byKind(KindFile)
}

// ShellCommands returns the contents of all shell actions in document order.
func (a *Artifact) ShellCommands() []string {
	var out []string
	for _, act := range a.byKind(KindShell) {
		if act.Content != "" {
			out = append(out, act.Content)
		}
	}
	return out
}

// StartCommand returns the last non-empty start action, or "".
func (a *Artifact) StartCommand() string {
	start := ""
	for _, act := range a.byKind(KindStart) {
		if act.Content != "" {
			start = act.Content
		}
	}
	return start
}

// Commands derives the install and start commands, applying defaults when
// the artifact names none.
func (a *Artifact) Commands() CommandSet {
	cs := CommandSet{
		Install: a.ShellCommands(),
		Start:   a.StartCommand(),
	}
	if len(cs.Install) == 0 {
		cs.Install = []string{DefaultInstallCommand}
	}
	if cs.Start == "" {
		cs.Start = DefaultStartCommand
	}
	return cs
}

// File returns the content of the last file action for path.
func (a *Artifact) File(path string) (string, bool) {
	content, found := "", false
	for _, act := range a.byKind(KindFile) {
		if act.Path == path {
			content, found = act.Content, true
		}
	}
	return content, found
}

func (a *Artifact) byKind(k Kind) []Action {
	var out []Action
	for _, act := range a.Actions {
		if act.Kind == k {
			out = append(out, act)
		}
	}
	return out
}

// Parse extracts the first complete artifact from text.
//
// It returns ErrNoArtifact when no opening tag has a matching closing tag.
func Parse(text string) (*Artifact, error) {
	s := &scanner{src: text}

	openAt := s.findTag(artifactTag)
	if openAt < 0 {
		return nil, ErrNoArtifact
	}
	s.pos = openAt + len(artifactTag) + 1

	// Attributes on the envelope itself are best-effort; a malformed one
	// leaves ID or Title empty.
	attrs, selfClosing, _ := s.readAttrs()
	if selfClosing {
		return nil, ErrNoArtifact
	}

	closeRel := strings.Index(text[s.pos:], "</"+artifactTag+">")
	if closeRel < 0 {
		return nil, ErrNoArtifact
	}
	body := text[s.pos : s.pos+closeRel]

	art := &Artifact{
		ID:    attrs["id"],
		Title: attrs["title"],
		Attrs: attrs,
	}
	parseActions(art, body, s.pos)
	return art, nil
}

const (
	artifactTag = "webArtifact"
	actionTag   = "webAction"
)

func parseActions(art *Artifact, body string, base int) {
	s := &scanner{src: body}
	closeTag := "</" + actionTag + ">"

	for {
		at := s.findTag(actionTag)
		if at < 0 {
			return
		}
		s.pos = at + len(actionTag) + 1

		attrs, selfClosing, attrErr := s.readAttrs()

		content := ""
		if !selfClosing {
			end := strings.Index(body[s.pos:], closeTag)
			if end < 0 {
				art.Skipped = append(art.Skipped, Skip{Offset: base + at, Reason: "unterminated action"})
				return
			}
			content = body[s.pos : s.pos+end]
			s.pos += end + len(closeTag)
		}

		if attrErr != nil {
			art.Skipped = append(art.Skipped, Skip{Offset: base + at, Reason: attrErr.Error()})
			continue
		}

		act := Action{
			Kind:    Kind(attrs["type"]),
			Content: strings.TrimSpace(content),
		}
		switch act.Kind {
		case KindFile:
			act.Path = attrs["filePath"]
			if act.Path == "" {
				art.Skipped = append(art.Skipped, Skip{Offset: base + at, Reason: "file action without filePath"})
				continue
			}
		case KindShell, KindStart:
		default:
			art.Skipped = append(art.Skipped, Skip{Offset: base + at, Reason: "unknown action type " + attrs["type"]})
			continue
		}
		art.Actions = append(art.Actions, act)
	}
}
