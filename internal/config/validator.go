package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the mcpengine validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("http_path", validateHTTPPath); err != nil {
		return fmt.Errorf("failed to register http_path validator: %w", err)
	}
	return nil
}

// validateHTTPPath accepts absolute URL paths without a query or fragment.
func validateHTTPPath(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	return strings.HasPrefix(path, "/") && !strings.ContainsAny(path, "?# ")
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateEndpoints(); err != nil {
		return err
	}
	return nil
}

// validateEndpoints rejects configurations where two handlers would share a path.
func (c *Config) validateEndpoints() error {
	paths := map[string]string{}
	check := func(name, path string) error {
		if other, ok := paths[path]; ok {
			return fmt.Errorf("%s: path %q is already used by %s", name, path, other)
		}
		paths[path] = name
		return nil
	}

	if err := check("server.sse_endpoint", c.Server.SSEEndpoint); err != nil {
		return err
	}
	if err := check("server.message_endpoint", c.Server.MessageEndpoint); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := check("metrics.path", c.Metrics.Path); err != nil {
			return err
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "http_path":
		return fmt.Sprintf("%s must be an absolute path starting with '/'", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
