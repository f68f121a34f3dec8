package apiclient

import (
	"context"
	"encoding/base64"
	"net/http"
)

const pathGenerate = "/api/generate"

// GenerateRequest describes one image to caption. Exactly one of ImageURL
// and ImageData must be set.
type GenerateRequest struct {
	ImageURL   string
	ImageData  []byte
	Keywords   []string
	Regenerate bool
}

type generatePayload struct {
	Image      generateImage `json:"image"`
	Keywords   []string      `json:"keywords,omitempty"`
	Regenerate bool          `json:"regenerate"`
}

type generateImage struct {
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// GenerateAltText calls the remote generation endpoint with the full
// resilience pipeline: quota pre-flight, bounded retries with backoff, and
// the quota-mismatch special case that spends one extra attempt after
// clearing local state.
func (c *Client) GenerateAltText(ctx context.Context, req GenerateRequest) (string, error) {
	if req.ImageURL == "" && len(req.ImageData) == 0 {
		return "", &APIError{Kind: KindValidation, Message: "image url or image data is required"}
	}

	if err := c.preflightQuota(ctx); err != nil {
		return "", err
	}

	payload := generatePayload{
		Image:      generateImage{URL: req.ImageURL},
		Keywords:   req.Keywords,
		Regenerate: req.Regenerate,
	}
	if len(req.ImageData) > 0 {
		payload.Image.Data = base64.StdEncoding.EncodeToString(req.ImageData)
	}

	env, err := c.requestWithRetry(ctx, http.MethodPost, pathGenerate, payload, c.generateTimeout, defaultMaxAttempts)
	if err != nil {
		apiErr, ok := AsAPIError(err)
		if !ok || apiErr.Kind != KindQuotaMismatch {
			return "", err
		}
		// The mismatch is about stale local state, not server availability:
		// drop the cache, wait out the suggested delay, and spend exactly
		// one extra attempt with freshly resolved credentials.
		if cerr := c.cache.Invalidate(ctx); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("apiclient: usage cache invalidate failed")
		}
		c.sleep(apiErr.RetryAfter)
		env, err = c.requestWithRetry(ctx, http.MethodPost, pathGenerate, payload, c.generateTimeout, 1)
		if err != nil {
			return "", err
		}
	}

	altText := firstString(env.Data, "alt_text")
	if altText == "" {
		return "", &APIError{Kind: KindServerError, Sub: ServerGeneric, Message: "response missing alt_text", StatusCode: env.StatusCode}
	}

	// Generation responses piggyback a usage block; use it to keep the
	// cache warm without a separate fetch.
	if u, ok := env.Data["usage"].(map[string]any); ok {
		if err := c.cache.Put(ctx, snapshotFromResponse(u)); err != nil {
			c.logger.Warn().Err(err).Msg("apiclient: usage cache update failed")
		}
	}

	return altText, nil
}

// preflightQuota gates the expensive generation call on the quota snapshot,
// refreshing a stale one first so a cached zero is never trusted blindly.
// Being unable to refresh is not a failure; the server stays authoritative.
func (c *Client) preflightQuota(ctx context.Context) error {
	snap := c.CachedUsage(ctx)
	if !snap.Fresh(c.now()) {
		if refreshed, err := c.fetchUsage(ctx); err == nil {
			snap = refreshed
		}
	}
	if snap.AtLimit() {
		apiErr := &APIError{
			Kind:    KindOutOfCredits,
			Message: "no generation credits remaining",
		}
		c.setBanner(apiErr)
		return apiErr
	}
	return nil
}
