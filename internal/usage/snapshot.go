package usage

import "time"

const (
	// FreshnessWindow is how long a cached snapshot may gate paid work
	// before an authoritative refresh is required.
	FreshnessWindow = 2 * time.Minute

	// FreeTierLimit is the conservative allowance assumed on cache miss.
	// The cache never grants unlimited use just because nothing is cached.
	FreeTierLimit = 10
)

const (
	PlanFree   = "free"
	PlanPro    = "pro"
	PlanAgency = "agency"
)

// Snapshot is a point-in-time view of the remote quota ledger. It is
// advisory: the server's verdict always wins, subject to the one-shot
// mismatch reconciliation in the API client.
type Snapshot struct {
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Plan      string `json:"plan"`
	ResetAt   int64  `json:"reset_timestamp"`

	// CachedAt is when this snapshot was captured locally. A zero value
	// always counts as stale.
	CachedAt time.Time `json:"_cache_timestamp"`
}

// Normalize clamps Remaining at zero. It never re-derives the value: a
// server-supplied zero is an authoritative quota verdict and must survive
// caching, or the mismatch reconciliation would override it forever.
// Deriving Remaining when the server omits it is the response parser's job.
func (s Snapshot) Normalize() Snapshot {
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	return s
}

// Fresh reports whether the snapshot is recent enough to gate an operation
// without a refresh.
func (s Snapshot) Fresh(now time.Time) bool {
	if s.CachedAt.IsZero() {
		return false
	}
	return now.Sub(s.CachedAt) < FreshnessWindow
}

// AtLimit reports whether no quota remains according to this snapshot.
func (s Snapshot) AtLimit() bool {
	return s.Remaining <= 0
}

// Default returns the conservative free-tier snapshot used when nothing is
// cached. CachedAt stays zero so any gating decision refreshes first.
func Default() Snapshot {
	return Snapshot{
		Used:      0,
		Limit:     FreeTierLimit,
		Remaining: FreeTierLimit,
		Plan:      PlanFree,
	}
}
