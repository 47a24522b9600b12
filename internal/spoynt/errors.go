package spoynt

import (
	"errors"
	"fmt"
)

// ErrInvoiceNotFound is returned when the gateway does not know the payment
// reference.
var ErrInvoiceNotFound = errors.New("payment invoice not found upstream")

// ConfigError reports a required setting that was absent at the time of use.
// Missing configuration is always fatal for the call, never a silent default.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Key)
}

// UpstreamError reports a gateway call that returned a non-success response.
// The body is carried for diagnosis and logged by callers, never parsed.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("spoynt %s failed with status %d", e.Operation, e.StatusCode)
}
