// Package upstream talks to the text-generation and speech-synthesis
// providers and classifies their failures so the pools know whom to blame.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// Category tells the caller which resource a failure should be charged to.
type Category string

const (
	// CategoryCredential means the provider rejected the key itself.
	CategoryCredential Category = "credential"
	// CategoryQuota means the key ran out of monthly characters.
	CategoryQuota Category = "quota"
	// CategoryProvider is a transient provider-side failure.
	CategoryProvider Category = "provider"
	// CategoryClient is a bad request the key is not responsible for.
	CategoryClient Category = "client"
	// CategoryNetwork is a transport failure before any response arrived.
	CategoryNetwork Category = "network"
	// CategoryCanceled means the caller gave up. Nothing is charged.
	CategoryCanceled Category = "canceled"
)

type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Category   Category
	Err        error
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Classify reports the category of err. Anything unrecognised is treated
// as a provider failure.
func Classify(err error) Category {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Category
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, circuitbreaker.ErrOpen):
		return CategoryProvider
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryProvider
}

func statusCategory(status int, detail string) Category {
	detail = strings.ToLower(detail)
	switch {
	case strings.Contains(detail, "quota_exceeded"), strings.Contains(detail, "insufficient_quota"), status == http.StatusPaymentRequired:
		return CategoryQuota
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CategoryCredential
	case status == http.StatusTooManyRequests, status >= 500:
		return CategoryProvider
	case status >= 400:
		return CategoryClient
	}
	return CategoryProvider
}

func networkError(provider string, err error) *ProviderError {
	category := CategoryNetwork
	if errors.Is(err, context.Canceled) {
		category = CategoryCanceled
	}
	return &ProviderError{Provider: provider, Message: err.Error(), Category: category, Err: err}
}
