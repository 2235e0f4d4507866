package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists Records under a root directory.
//
// Directory layout:
//
//	<root>/<name>/service.json
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) ServiceDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) RecordPath(name string) string {
	return filepath.Join(s.ServiceDir(name), "service.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("service store root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write atomically replaces the record for rec.Name.
func (s *Store) Write(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("service record is nil")
	}
	name := strings.TrimSpace(rec.Name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid service name %q", rec.Name)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.ServiceDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal service record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "service.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp service file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp service file: %w", err)
	}
	if err := os.Rename(tmpName, s.RecordPath(name)); err != nil {
		return fmt.Errorf("rename service file: %w", err)
	}
	return nil
}

// Get loads the record for name. A missing record yields ErrUnknownService.
func (s *Store) Get(name string) (*Record, error) {
	b, err := os.ReadFile(s.RecordPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse service.json: %w", err)
	}

	// A record claiming running whose pid is gone is reported as unknown.
	if rec.State == StateRunning && rec.PID > 0 && !isProcessAlive(rec.PID) {
		rec.State = StateUnknown
	}
	return &rec, nil
}

// Delete removes the record for name. Missing records are ignored.
func (s *Store) Delete(name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if err := os.RemoveAll(s.ServiceDir(name)); err != nil {
		return fmt.Errorf("remove service record: %w", err)
	}
	return nil
}

// List returns all records, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read services root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func markEnded(rec *Record, state State) {
	now := time.Now().UTC()
	rec.State = state
	rec.EndedAt = &now
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
