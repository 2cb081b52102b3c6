package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldError reports a config value that failed to parse, with the dotted
// path of the field that held it.
type FieldError struct {
	Path string
	Raw  string
	Msg  string
	Err  error
}

func (e *FieldError) Error() string {
	s := e.Path + ": " + e.Msg
	if e.Raw != "" {
		s += fmt.Sprintf(" %q", e.Raw)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a non-negative Go duration. Empty input is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &FieldError{Path: path, Raw: raw, Msg: "invalid duration", Err: err}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Raw: raw, Msg: "duration must be >= 0"}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseTimeField parses an RFC3339 timestamp. Empty input is the zero time.
func ParseTimeField(path, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &FieldError{Path: path, Raw: raw, Msg: "invalid timestamp", Err: err}
	}
	return t, nil
}

// CheckLimits rejects blank keys and negative values in a name->limit map.
// Zero means unlimited. Errors come back in key order.
func CheckLimits(path string, limits map[string]int) []error {
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		switch {
		case strings.TrimSpace(k) == "":
			errs = append(errs, &FieldError{Path: path, Msg: "empty group name"})
		case limits[k] < 0:
			errs = append(errs, &FieldError{Path: path + "." + k, Raw: fmt.Sprint(limits[k]), Msg: "limit must be >= 0"})
		}
	}
	return errs
}
