package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one outcome from the closed error taxonomy. Misclassifying
// a transient error as permanent (or the reverse) causes either false
// user-visible failures or retry storms, so every kind is explicit.
type Kind string

const (
	KindAPITimeout     Kind = "api_timeout"
	KindAPIUnreachable Kind = "api_unreachable"
	KindNetworkUnknown Kind = "network_unknown"

	KindAuthRequired         Kind = "auth_required"
	KindLicenseError         Kind = "license_error"
	KindOutOfCredits         Kind = "out_of_credits"
	KindSubscriptionExpired  Kind = "subscription_expired"
	KindSubscriptionRequired Kind = "subscription_required"

	KindServerError      Kind = "server_error"
	KindNotFound         Kind = "not_found"
	KindEndpointNotFound Kind = "endpoint_not_found"
	KindRateLimit        Kind = "openai_rate_limit"
	KindLimitReached     Kind = "limit_reached"
	KindQuotaMismatch    Kind = "quota_check_mismatch"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindValidation       Kind = "validation"
)

// Server error sub-kinds.
const (
	ServerBackendConfig = "backend_config"
	ServerMaintenance   = "maintenance"
	ServerGeneric       = "generic"
)

// APIError is the typed outcome of a failed remote call.
type APIError struct {
	Kind       Kind
	Sub        string
	Message    string
	StatusCode int
	Retryable  bool

	// RetryAfter is a pacing hint: 60s for upstream rate limits, a short
	// delay for quota mismatch reconciliation retries.
	RetryAfter time.Duration

	// Remaining carries the quota left when known, for quota outcomes.
	Remaining int
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a classified transient failure.
func IsRetryable(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Retryable
}

// Terminal reports whether the kind should fail a queued job permanently
// rather than leave it pending for another scheduler tick.
func Terminal(kind Kind) bool {
	switch kind {
	case KindAuthRequired, KindLicenseError, KindOutOfCredits,
		KindSubscriptionExpired, KindSubscriptionRequired,
		KindNotFound, KindEndpointNotFound,
		KindPayloadTooLarge, KindValidation:
		return true
	}
	return false
}
