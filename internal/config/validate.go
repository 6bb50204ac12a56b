package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their YAML names so error messages
// match what the operator wrote in config.yaml.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is a single configuration problem.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects every configuration problem found by Validate.
type ValidationError struct {
	Errors []FieldError
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "invalid config"
	}
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks struct tags first, then the rules that tags cannot
// express: transport endpoints, the log level and unique channel names.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, e := range fieldErrs {
			verr.Errors = append(verr.Errors, FieldError{
				Field:   fieldPath(e),
				Message: formatValidationMessage(e),
			})
		}
	}

	switch c.Push.Transport {
	case TransportWebSocket:
		if c.Push.WebSocket.URL == "" {
			verr.Errors = append(verr.Errors, FieldError{Field: "push.websocket.url", Message: "required when push.transport is websocket"})
		}
	case TransportMQTT:
		if c.Push.MQTT.Broker == "" {
			verr.Errors = append(verr.Errors, FieldError{Field: "push.mqtt.broker", Message: "required when push.transport is mqtt"})
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		verr.Errors = append(verr.Errors, FieldError{Field: "log_level", Message: "must be one of: trace debug info warn error"})
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			continue
		}
		if seen[ch.Name] {
			verr.Errors = append(verr.Errors, FieldError{
				Field:   fmt.Sprintf("channels[%d].name", i),
				Message: fmt.Sprintf("duplicate channel %q", ch.Name),
			})
		}
		seen[ch.Name] = true
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", e.Param())
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
