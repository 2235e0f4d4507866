package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/webgrade/pkg/artifact"
)

// Project is a materialized artifact.
type Project struct {
	Workspace *Workspace
	Artifact  *artifact.Artifact
	Commands  artifact.CommandSet

	// Files lists the relative paths written, in action order.
	Files []string

	// Advisories are non-fatal findings about the project manifest.
	Advisories []string
}

// Build parses text and materializes the artifact into ws.
//
// A response without an artifact yields (nil, nil): there is nothing to
// grade, which is not a failure of the workspace.
func Build(ws *Workspace, text string) (*Project, error) {
	art, err := artifact.Parse(text)
	if errors.Is(err, artifact.ErrNoArtifact) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Materialize(ws, art)
}

// Materialize writes every file action into ws and generates the install
// and start scripts.
//
// Intermediate directories are created as needed. Any write failure, or a
// file path that would land outside the workspace, aborts with an error
// wrapping ErrMaterializeFailed.
func Materialize(ws *Workspace, art *artifact.Artifact) (*Project, error) {
	proj := &Project{
		Workspace: ws,
		Artifact:  art,
		Commands:  art.Commands(),
	}

	for _, f := range art.Files() {
		rel := filepath.FromSlash(strings.TrimPrefix(f.Path, "./"))
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: %s escapes the workspace", ErrMaterializeFailed, f.Path)
		}
		dst := filepath.Join(ws.Dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMaterializeFailed, f.Path, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMaterializeFailed, f.Path, err)
		}
		proj.Files = append(proj.Files, filepath.ToSlash(rel))
	}

	if err := writeScript(ws.InstallScript(), "Installing dependencies...", art.ShellCommands()); err != nil {
		return nil, err
	}
	var start []string
	if cmd := art.StartCommand(); cmd != "" {
		start = append(start, cmd)
	}
	if err := writeScript(ws.StartScript(), "Starting server...", start); err != nil {
		return nil, err
	}

	if content, ok := art.File("package.json"); ok {
		proj.Advisories = CheckManifest([]byte(content))
	} else {
		proj.Advisories = []string{"package.json not found in artifact"}
	}
	return proj, nil
}

func writeScript(path, banner string, lines []string) error {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n\n")
	fmt.Fprintf(&b, "echo %q\n", banner)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMaterializeFailed, filepath.Base(path), err)
	}
	// WriteFile honors umask; scripts must be executable regardless.
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMaterializeFailed, filepath.Base(path), err)
	}
	return nil
}

var (
	requiredManifestKeys = []string{"name", "version", "scripts", "dependencies", "devDependencies"}
	coreDependencies     = []string{"react", "react-dom", "vite"}
	expectedScripts      = []string{"dev", "build", "preview"}
)

// CheckManifest returns findings for a package.json document. Materialize
// keeps them as advisories; the strict format check rejects on any. It
// never fails: an unparseable manifest is itself a finding.
func CheckManifest(content []byte) []string {
	var pkg map[string]any
	if err := json.Unmarshal(content, &pkg); err != nil {
		return []string{fmt.Sprintf("package.json is not valid JSON: %v", err)}
	}

	var findings []string
	for _, key := range requiredManifestKeys {
		if _, ok := pkg[key]; !ok {
			findings = append(findings, fmt.Sprintf("package.json missing key %q", key))
		}
	}

	deps := map[string]bool{}
	for _, section := range []string{"dependencies", "devDependencies"} {
		if m, ok := pkg[section].(map[string]any); ok {
			for name := range m {
				deps[name] = true
			}
		}
	}
	for _, dep := range coreDependencies {
		if !deps[dep] {
			findings = append(findings, fmt.Sprintf("package.json missing core dependency %q", dep))
		}
	}

	scripts, _ := pkg["scripts"].(map[string]any)
	for _, s := range expectedScripts {
		if _, ok := scripts[s]; !ok {
			findings = append(findings, fmt.Sprintf("package.json missing script %q", s))
		}
	}
	return findings
}
