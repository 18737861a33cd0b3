package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks cfg using struct tags plus the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("Config.BlockSize: %d is not a power of two", cfg.BlockSize)
	}
	if cfg.PageSize%cfg.BlockSize != 0 {
		return fmt.Errorf("Config.PageSize: %d is not a multiple of the block size %d", cfg.PageSize, cfg.BlockSize)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
