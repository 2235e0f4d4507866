package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/webgrade/internal/assets/schemas"
)

// ErrValidationFailed is matched by every ValidationErrors value.
var ErrValidationFailed = errors.New("manifest validation failed")

// ValidationError is one schema violation. Path is a JSON pointer such as
// "/requests/0/id" and is empty for document-level failures.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors lists every violation found in one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("manifest validation failed with %d errors:", len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks an in-memory manifest. Unknown fields cannot be detected
// here; LoadFromBytes validates the raw document instead.
func Validate(m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return ValidateRaw(doc)
}

// ValidateRaw checks a JSON document against the embedded batch-manifest
// schema.
func ValidateRaw(doc []byte) error {
	v, err := compiledSchema()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.BatchManifestSchema) == 0 {
		return nil, errors.New("embedded batch-manifest schema is empty")
	}
	v, err := schema.NewValidator(schemasassets.BatchManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return v, nil
})
