package route

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Match when no entry covers the path.
	ErrNotFound = errors.New("no route matches path")

	// ErrConfiguration is the sentinel every ConfigurationError unwraps to.
	ErrConfiguration = errors.New("invalid route configuration")
)

// ConfigurationError describes a route definition that cannot be turned
// into a table. It is fatal at startup.
type ConfigurationError struct {
	Prefix string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Prefix == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: route %q: %s", ErrConfiguration, e.Prefix, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
