package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Validator is implemented by configuration structs that check their own
// cross-field constraints once the environment has been applied.
type Validator interface {
	Validate() error
}

// ParseEnv loads configuration from environment variables and, when target
// implements Validator, validates the result.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v, ok := target.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	return nil
}
