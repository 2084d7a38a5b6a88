package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/gonube/internal/assets/schemas"
	"github.com/3leaps/gonube/pkg/match"
)

// SchemaID identifies the embedded migration manifest schema.
const SchemaID = "gonube/v1.0.0/migration-manifest"

var (
	// ErrValidationFailed is wrapped by every validation failure.
	ErrValidationFailed = errors.New("manifest validation failed")

	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one invalid field.
type ValidationError struct {
	// Path is the dotted field path, e.g. "match.includes[0]".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every invalid field of a manifest.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrValidationFailed.Error()
	}
	parts := make([]string, 0, len(e))
	for _, ve := range e {
		parts = append(parts, ve.Error())
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks m after defaults are applied: first against the embedded
// JSON schema, then the globs and sizes the schema cannot express.
func (m *Manifest) Validate() error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest for validation: %w", err)
	}
	errs, err := validateSchema(data)
	if err != nil {
		return err
	}

	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	for i, p := range m.Match.Includes {
		if !doublestar.ValidatePattern(match.NormalizePattern(p)) {
			add(fmt.Sprintf("match.includes[%d]", i), "invalid pattern %q", p)
		}
	}
	for i, p := range m.Match.Excludes {
		if !doublestar.ValidatePattern(match.NormalizePattern(p)) {
			add(fmt.Sprintf("match.excludes[%d]", i), "invalid pattern %q", p)
		}
	}
	if s := m.Match.Size; s != nil {
		if s.Min != "" {
			if _, err := match.ParseSize(s.Min); err != nil {
				add("match.size.min", "%v", err)
			}
		}
		if s.Max != "" {
			if _, err := match.ParseSize(s.Max); err != nil {
				add("match.size.max", "%v", err)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateSchema reports one error per failing field. Diagnostics on the
// document root are dropped when a field-level diagnostic exists.
func validateSchema(data []byte) (ValidationErrors, error) {
	v, err := getValidator()
	if err != nil {
		return nil, err
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var errs, root ValidationErrors
	seen := map[string]bool{}
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		p := pointerPath(d.Pointer)
		if seen[p] {
			continue
		}
		seen[p] = true
		ve := ValidationError{Path: p, Message: d.Message}
		if p == "" {
			root = append(root, ve)
			continue
		}
		errs = append(errs, ve)
	}
	if len(errs) == 0 {
		return root, nil
	}
	return errs, nil
}

// pointerPath turns a JSON pointer into a dotted path:
// "/match/includes/0" becomes "match.includes[0]".
func pointerPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "#")
	if ptr == "" || ptr == "/" {
		return ""
	}
	var b strings.Builder
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.MigrationManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: %s", ErrSchemaNotFound, SchemaID)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.MigrationManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
