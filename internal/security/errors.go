package security

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks invalid configuration. It is fatal and raised
	// before any pass executes.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownPass is a configuration error for an unregistered pass id.
	ErrUnknownPass = errors.New("unknown pass")

	// ErrPassTimeout means a pass exceeded timeout_per_pass.
	ErrPassTimeout = errors.New("pass timed out")
)

// ConfigError describes one invalid option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// UnknownPassError names a pass id that no factory is registered for.
type UnknownPassError struct {
	ID    string
	Known []string
}

func (e *UnknownPassError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown pass %q", e.ID)
	}
	return fmt.Sprintf("unknown pass %q (known: %s)", e.ID, strings.Join(e.Known, ", "))
}

// Is makes an UnknownPassError match both ErrUnknownPass and
// ErrConfiguration.
func (e *UnknownPassError) Is(target error) bool {
	return target == ErrUnknownPass || target == ErrConfiguration
}
