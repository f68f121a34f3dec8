package apiclient

import (
	"context"
	"net/http"
	"time"

	"alttext/internal/usage"
)

const pathUsage = "/usage"

// Usage returns the current quota snapshot, serving from cache when it is
// fresh unless forceRefresh is set.
func (c *Client) Usage(ctx context.Context, forceRefresh bool) (usage.Snapshot, error) {
	if !forceRefresh {
		if snap, ok, err := c.cache.Get(ctx); err == nil && ok && snap.Fresh(c.now()) {
			return snap, nil
		}
	}
	return c.fetchUsage(ctx)
}

// CachedUsage returns the best locally available snapshot without touching
// the network, falling back to the conservative free-tier default.
func (c *Client) CachedUsage(ctx context.Context) usage.Snapshot {
	if snap, ok, err := c.cache.Get(ctx); err == nil && ok {
		return snap
	}
	return usage.Default()
}

// IsAtLimit is the cheap pre-flight short-circuit, computed from the best
// available (possibly stale) snapshot.
func (c *Client) IsAtLimit(ctx context.Context) bool {
	return c.CachedUsage(ctx).AtLimit()
}

// fetchUsage performs one authoritative usage fetch and updates the cache.
// It deliberately bypasses the classification side effects so the quota
// reconciliation path cannot recurse.
func (c *Client) fetchUsage(ctx context.Context) (usage.Snapshot, error) {
	env, sendErr := c.send(ctx, http.MethodGet, pathUsage, nil, c.requestTimeout)
	if sendErr != nil {
		return usage.Snapshot{}, sendErr
	}
	if !env.Success {
		return usage.Snapshot{}, Classify(env)
	}
	snap := snapshotFromResponse(env.Data)
	if err := c.cache.Put(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("apiclient: usage cache update failed")
	}
	return snap.Normalize(), nil
}

func snapshotFromResponse(data map[string]any) usage.Snapshot {
	snap := usage.Snapshot{Plan: usage.PlanFree}
	if data == nil {
		return snap
	}
	if n, ok := numberField(data, "used"); ok {
		snap.Used = n
	}
	if n, ok := numberField(data, "limit"); ok {
		snap.Limit = n
	}
	// An explicit remaining, zero included, is authoritative; derive from
	// used/limit only when the field is absent.
	if n, ok := numberField(data, "remaining"); ok {
		snap.Remaining = n
	} else {
		snap.Remaining = snap.Limit - snap.Used
	}
	if plan := firstString(data, "plan"); plan != "" {
		snap.Plan = plan
	}
	snap.ResetAt = parseResetDate(data["resetDate"])
	return snap
}

// parseResetDate accepts the two shapes the backend has shipped: epoch
// seconds as a number, or an RFC 3339 string.
func parseResetDate(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.Unix()
		}
	}
	return 0
}
