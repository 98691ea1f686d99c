package schema

import (
	"fmt"
	"strings"
)

// Issue codes reported by definition validation.
const (
	IssueRequired         = "required"
	IssueDuplicate        = "duplicate"
	IssueUnknownReference = "unknown_reference"
	IssueUnknownAction    = "unknown_action"
	IssueBadExpression    = "bad_expression"
	IssueBadSchedule      = "bad_schedule"
	IssueSchema           = "schema"
	IssueUnreachable      = "unreachable"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem located by a path such as steps[2].exit_when.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult aggregates the issues found in one definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues, prefixing their paths with prefix when non-empty.
func (r *ValidationResult) Merge(prefix string, other *ValidationResult) {
	if other == nil {
		return
	}
	for _, issue := range other.Errors {
		issue.Path = joinPath(prefix, issue.Path)
		r.Errors = append(r.Errors, issue)
	}
	for _, issue := range other.Warnings {
		issue.Path = joinPath(prefix, issue.Path)
		r.Warnings = append(r.Warnings, issue)
	}
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + path
	}
}

// ToError converts the result to a VALIDATION_ERROR naming the definition, or nil if valid.
func (r *ValidationResult) ToError(definition string) error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%d errors, first: %s", len(r.Errors), msg)
	}
	if definition != "" {
		msg = fmt.Sprintf("invalid definition %q: %s", definition, msg)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"definition": definition,
			"errors":     r.Errors,
			"warnings":   r.Warnings,
		})
}
