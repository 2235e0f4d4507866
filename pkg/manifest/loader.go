package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the manifest at path, validates it against the batch-manifest
// schema, and applies defaults. Relative response and dataset paths resolve
// against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("manifest not found: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("manifest %s: permission denied", path)
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader is Load for an already open manifest. path selects the
// format and may be empty.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes decodes a manifest. A ".json" path is decoded as JSON; any
// other path, including "", is decoded as YAML, which also accepts JSON.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest is empty")
	}

	doc, err := normalize(data, path)
	if err != nil {
		return nil, err
	}
	// The schema sees the raw document so unknown keys are rejected.
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if _, err := m.Grading.AttemptTimeout(); err != nil {
		return nil, fmt.Errorf("invalid grading timeout: %w", err)
	}

	m.dir = "."
	if path != "" {
		m.dir = filepath.Dir(path)
	}
	m.ApplyDefaults()
	return &m, nil
}

// normalize returns the manifest document as JSON.
func normalize(data []byte, path string) ([]byte, error) {
	var raw any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return doc, nil
}
