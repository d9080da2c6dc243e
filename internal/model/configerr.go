package model

import (
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // storage.dsn
	Code    string // missing_required | unknown_field | invalid_value | validation_error
	Message string
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
	)
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reInvalid    = regexp.MustCompile(`(?i)conflicting values|invalid value|out of bound|does not match|empty disjunction`)
)

// CueErrDetails converts a CUE validation error into one detail per
// offending path.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw := e.Error()
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(raw, path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Raw:     strings.TrimSpace(raw),
		})
	}
	return out
}

// AsConfigError wraps a CUE validation error into the ConfigError taxonomy.
func AsConfigError(err error) error {
	details := CueErrDetails(err)
	if len(details) == 0 {
		return &ConfigError{Err: err}
	}
	problems := make([]string, 0, len(details))
	for _, d := range details {
		problems = append(problems, d.Message)
	}
	return &ConfigError{Field: details[0].Path, Problems: problems, Err: err}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", "field " + path + " is not allowed"
	case reIncomplete.MatchString(raw):
		return "missing_required", "field " + path + " is required"
	case reInvalid.MatchString(raw):
		return "invalid_value", "field " + path + " has an invalid value"
	default:
		return "validation_error", raw
	}
}
