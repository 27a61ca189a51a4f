package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ConfigurationError reports a missing or invalid setting detected before any
// network call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// NetworkError is a transport failure. User cancellation is never wrapped in it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-success HTTP response from a provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

var billingMarkers = []string{"quota", "credit", "billing", "insufficient"}

// IsBillingMessage reports whether the provider message is about quota or credits.
func (e *APIError) IsBillingMessage() bool {
	msg := strings.ToLower(e.Message)
	for _, marker := range billingMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Missing is shorthand for a ConfigurationError on an empty field.
func Missing(field string) error {
	return &ConfigurationError{Field: field, Reason: "must not be empty"}
}

// Classify maps provider SDK and transport errors onto the package taxonomy.
// Context errors and already-classified errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		cfgErr *ConfigurationError
		netErr *NetworkError
		apiErr *APIError
	)
	if errors.As(err, &cfgErr) || errors.As(err, &netErr) || errors.As(err, &apiErr) {
		return err
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return &APIError{StatusCode: oaiErr.HTTPStatusCode, Message: oaiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		if reqErr.HTTPStatusCode > 0 {
			return &APIError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Op: op, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &NetworkError{Op: op, Err: err}
	}
	return err
}
