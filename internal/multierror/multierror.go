// Package multierror aggregates independent failures, such as the per-file errors of a batch.
package multierror

import (
	"strings"
)

// MultiError aggregates multiple errors into one.
type MultiError []error

func (m MultiError) Error() string {
	messages := make([]string, 0, len(m))
	for _, err := range m {
		if err == nil {
			continue
		}
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// Unwrap lets errors.Is and errors.As look into every aggregated error.
func (m MultiError) Unwrap() []error {
	return m
}

// ErrorOrNil returns nil for an empty MultiError.
func (m MultiError) ErrorOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

// AppendErr appends err to MultiError if err is not nil.
func AppendErr(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
