package apiclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// errorBody is the canonical form every error response is normalized into
// before classification. The backend emits the same logical error in several
// JSON shapes (data.code, data.data.code, bare boolean flags); probing those
// shapes happens exactly once, here, never inside classification branches.
type errorBody struct {
	Code                string
	Reason              string
	Message             string
	Credits             *int
	SubscriptionExpired bool
	NoAccess            bool
}

func normalizeErrorBody(env *Envelope) errorBody {
	var b errorBody
	if env.Data == nil {
		b.Message = strings.TrimSpace(string(env.Body))
		return b
	}
	b.Message = firstString(env.Data, "message", "error", "error_message")

	sections := []map[string]any{env.Data}
	if data, ok := env.Data["data"].(map[string]any); ok {
		sections = append(sections, data)
		if nested, ok := data["data"].(map[string]any); ok {
			sections = append(sections, nested)
		}
	}
	for _, sec := range sections {
		if b.Code == "" {
			b.Code = firstString(sec, "code")
		}
		if b.Reason == "" {
			b.Reason = firstString(sec, "reason")
		}
		if b.Message == "" {
			b.Message = firstString(sec, "message", "error")
		}
		if b.Credits == nil {
			if n, ok := numberField(sec, "credits", "credits_remaining", "remaining"); ok {
				v := n
				b.Credits = &v
			}
		}
		if flag, ok := sec["subscription_expired"].(bool); ok && flag {
			b.SubscriptionExpired = true
		}
		if flag, ok := sec["no_access"].(bool); ok && flag {
			b.NoAccess = true
		}
	}
	if b.Code == "no_access" {
		b.NoAccess = true
	}
	return b
}

// noCredits reports whether the body carries the "no credits" signal in
// either of its shapes.
func (b errorBody) noCredits() bool {
	if strings.Contains(strings.ToLower(b.Reason), "no credits") {
		return true
	}
	return b.Credits != nil && *b.Credits <= 0
}

// Classify maps one received HTTP response to a typed outcome. It is pure:
// side effects (token clearing, banner caching, quota reconciliation,
// license fallback) belong to the client wrapper around it.
func Classify(env *Envelope) *APIError {
	if env.Success {
		return nil
	}
	body := normalizeErrorBody(env)
	message := body.Message
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", env.StatusCode)
	}

	// The no-access marker outranks the status code: backends report quota
	// and subscription exhaustion under several statuses.
	if body.NoAccess {
		if body.SubscriptionExpired {
			return &APIError{Kind: KindSubscriptionExpired, Message: message, StatusCode: env.StatusCode}
		}
		if body.noCredits() {
			return quotaError(env.StatusCode, message, body)
		}
	}

	switch {
	case env.StatusCode == http.StatusNotFound:
		if looksLikeHTML(env) {
			// Reverse-proxy error page, not a service response.
			return &APIError{Kind: KindEndpointNotFound, Message: "api endpoint not found", StatusCode: env.StatusCode}
		}
		return &APIError{Kind: KindNotFound, Message: message, StatusCode: env.StatusCode}

	case env.StatusCode == http.StatusPaymentRequired:
		if body.SubscriptionExpired {
			return &APIError{Kind: KindSubscriptionExpired, Message: message, StatusCode: env.StatusCode}
		}
		if body.noCredits() {
			return quotaError(env.StatusCode, message, body)
		}
		return &APIError{Kind: KindSubscriptionRequired, Message: message, StatusCode: env.StatusCode}

	case env.StatusCode == http.StatusUnauthorized || env.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindAuthRequired, Message: message, StatusCode: env.StatusCode}

	case env.StatusCode == http.StatusRequestEntityTooLarge:
		return &APIError{Kind: KindPayloadTooLarge, Message: message, StatusCode: env.StatusCode}

	case env.StatusCode == http.StatusTooManyRequests:
		lower := strings.ToLower(message)
		if body.Code == "openai_rate_limit" || strings.Contains(lower, "openai") || strings.Contains(lower, "rate limit") {
			// Upstream provider throttling; the caller paces the retry.
			return &APIError{
				Kind:       KindRateLimit,
				Message:    message,
				StatusCode: env.StatusCode,
				RetryAfter: 60 * time.Second,
			}
		}
		if body.noCredits() {
			return quotaError(env.StatusCode, message, body)
		}
		return &APIError{Kind: KindLimitReached, Message: message, StatusCode: env.StatusCode}

	case env.StatusCode >= 500:
		return &APIError{
			Kind:       KindServerError,
			Sub:        serverSubKind(message),
			Message:    message,
			StatusCode: env.StatusCode,
			Retryable:  true,
		}

	case env.StatusCode == http.StatusBadRequest || env.StatusCode == http.StatusUnprocessableEntity:
		return &APIError{Kind: KindValidation, Message: message, StatusCode: env.StatusCode}

	default:
		return &APIError{Kind: KindServerError, Sub: ServerGeneric, Message: message, StatusCode: env.StatusCode, Retryable: true}
	}
}

func quotaError(status int, message string, body errorBody) *APIError {
	remaining := 0
	if body.Credits != nil && *body.Credits > 0 {
		remaining = *body.Credits
	}
	return &APIError{Kind: KindOutOfCredits, Message: message, StatusCode: status, Remaining: remaining}
}

func serverSubKind(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "configuration") || strings.Contains(lower, "misconfigured"):
		return ServerBackendConfig
	case strings.Contains(lower, "maintenance") || strings.Contains(lower, "schema"):
		return ServerMaintenance
	default:
		return ServerGeneric
	}
}

func looksLikeHTML(env *Envelope) bool {
	if env.Data != nil {
		return false
	}
	trimmed := strings.TrimSpace(strings.ToLower(string(env.Body)))
	return strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func numberField(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
	}
	return 0, false
}
