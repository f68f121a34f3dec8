package apiclient

import (
	"context"
	"strings"
	"time"
)

const defaultMaxAttempts = 3

// requestWithRetry wraps the pipeline with bounded retries. Retryable
// outcomes (5xx, timeouts, unreachable host, quota mismatch) back off
// min(3, attempt) seconds between tries; everything else returns on the
// first attempt. Rate-limit outcomes carry a RetryAfter hint and are never
// retried here; the caller decides how to pace them.
func (c *Client) requestWithRetry(ctx context.Context, method, path string, payload any, timeout time.Duration, maxAttempts int) (*Envelope, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	state := &callState{}
	var lastErr *APIError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		env, sendErr := c.send(ctx, method, path, payload, timeout)
		var apiErr *APIError
		if sendErr != nil {
			apiErr = sendErr
		} else if env.Success {
			c.clearBanner()
			return env, nil
		} else {
			apiErr = c.classifyWithEffects(ctx, env, path, state)
		}

		lastErr = apiErr
		if !apiErr.Retryable {
			return nil, apiErr
		}
		c.logger.Debug().
			Str("kind", string(apiErr.Kind)).
			Int("attempt", attempt).
			Str("path", path).
			Msg("apiclient: retryable failure")
		if attempt < maxAttempts {
			delay := attempt
			if delay > 3 {
				delay = 3
			}
			c.sleep(time.Duration(delay) * time.Second)
		}
	}
	return nil, lastErr
}

// callState tracks per-call bookkeeping across retry attempts. Quota
// reconciliation runs at most once per failing call to avoid loops.
type callState struct {
	reconciled bool
}

// classifyWithEffects classifies a received response and applies the side
// effects the taxonomy demands: banner caching, stale-token clearing, the
// license fallback on 401/403, and the one-shot quota reconciliation.
func (c *Client) classifyWithEffects(ctx context.Context, env *Envelope, path string, state *callState) *APIError {
	apiErr := Classify(env)

	switch apiErr.Kind {
	case KindAuthRequired:
		if override := c.licenseFallback(ctx, apiErr, path); override != nil {
			return override
		}
		c.maybeClearToken(ctx, env, apiErr, path)

	case KindOutOfCredits:
		if !state.reconciled {
			state.reconciled = true
			if override := c.reconcileQuota(ctx, apiErr); override != nil {
				return override
			}
		}
		c.setBanner(apiErr)

	case KindSubscriptionExpired, KindSubscriptionRequired:
		c.setBanner(apiErr)

	default:
		c.maybeClearToken(ctx, env, apiErr, path)
	}
	return apiErr
}

// licenseFallback narrows a 401/403 when an organization license is
// configured. If the usage endpoint answers, the license itself is valid and
// the rejection was about this specific request; report the backend's
// message verbatim and keep the bearer token.
func (c *Client) licenseFallback(ctx context.Context, apiErr *APIError, path string) *APIError {
	if path == pathUsage {
		return nil
	}
	license, err := c.creds.LicenseKey(ctx)
	if err != nil || license == "" {
		return nil
	}
	if _, err := c.fetchUsage(ctx); err != nil {
		return nil
	}
	return &APIError{
		Kind:       KindLicenseError,
		Message:    apiErr.Message,
		StatusCode: apiErr.StatusCode,
	}
}

// maybeClearToken drops the stored bearer token when the response is a real
// auth fact. Checkout endpoints never clear (the user is mid-payment), and
// quota or subscription outcomes keep the token since the identity is fine.
// The "user not found" body match is a last-resort heuristic; it is trusted
// only below 500 because a 5xx carrying that string may be a transient
// backend bug rather than an auth fact.
func (c *Client) maybeClearToken(ctx context.Context, env *Envelope, apiErr *APIError, path string) {
	if strings.Contains(path, "checkout") {
		return
	}
	switch apiErr.Kind {
	case KindOutOfCredits, KindSubscriptionExpired, KindSubscriptionRequired, KindLicenseError:
		return
	case KindAuthRequired:
		c.clearToken(ctx)
		return
	}
	if env.StatusCode >= 500 {
		return
	}
	if strings.Contains(strings.ToLower(string(env.Body)), "user not found") {
		c.clearToken(ctx)
	}
}

func (c *Client) clearToken(ctx context.Context) {
	if err := c.creds.ClearToken(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("apiclient: clearing stale token failed")
	}
}

// reconcileQuota guards against transient backend quota-ledger lag. Before
// trusting a negative verdict, consult the local snapshot; if it disagrees,
// make one authoritative fetch. A confirmed disagreement overrides the hard
// failure with a retryable mismatch outcome carrying a short delay; a
// confirmed zero syncs the cache and lets the hard failure stand.
func (c *Client) reconcileQuota(ctx context.Context, hard *APIError) *APIError {
	snap, ok, err := c.cache.Get(ctx)
	if err != nil || !ok {
		return nil
	}
	if snap.AtLimit() {
		return nil
	}
	fresh, err := c.fetchUsage(ctx)
	if err != nil {
		// Cannot verify; accept the server's verdict.
		return nil
	}
	if fresh.AtLimit() {
		// fetchUsage already synced the cache to the confirmed zero.
		return nil
	}
	c.logger.Info().
		Int("remaining", fresh.Remaining).
		Msg("apiclient: quota mismatch, server verdict overridden")
	return &APIError{
		Kind:       KindQuotaMismatch,
		Message:    "server reported no credits but usage shows remaining quota",
		StatusCode: hard.StatusCode,
		Retryable:  true,
		RetryAfter: 3 * time.Second,
		Remaining:  fresh.Remaining,
	}
}

func (c *Client) setBanner(apiErr *APIError) {
	if c.banner != nil {
		c.banner.Set(string(apiErr.Kind), apiErr.Message)
	}
}

func (c *Client) clearBanner() {
	if c.banner != nil {
		c.banner.Clear()
	}
}
