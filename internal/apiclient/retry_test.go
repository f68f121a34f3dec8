package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"alttext/internal/usage"
)

func TestRetryExhaustsOnServerError(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer ts.Close()

	client, sleeps := newTestClient(t, ts, nil)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindServerError {
		t.Fatalf("err = %v, want server_error", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestNonRetryableReturnsOnFirstAttempt(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"image not found"}`))
	}))
	defer ts.Close()

	client, sleeps := newTestClient(t, ts, nil)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("unexpected sleeps: %v", *sleeps)
	}
}

func TestRateLimitIsCallerPaced(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"data":{"code":"openai_rate_limit"}}`))
	}))
	defer ts.Close()

	client, sleeps := newTestClient(t, ts, nil)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindRateLimit {
		t.Fatalf("err = %v, want openai_rate_limit", err)
	}
	if apiErr.Retryable {
		t.Fatal("rate limit must not be retried in-loop")
	}
	if apiErr.RetryAfter != 60*time.Second {
		t.Fatalf("RetryAfter = %v, want 60s", apiErr.RetryAfter)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("unexpected sleeps: %v", *sleeps)
	}
}

func TestAuthRequiredClearsStoredToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "stale"}
	client, _ := newTestClient(t, ts, creds)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindAuthRequired {
		t.Fatalf("err = %v, want auth_required", err)
	}
	if creds.clearCount() != 1 {
		t.Fatalf("clear count = %d, want 1", creds.clearCount())
	}
}

func TestCheckoutPathNeverClearsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "mid-payment"}
	client, _ := newTestClient(t, ts, creds)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/checkout/session", nil, time.Second, 3)
	if _, ok := AsAPIError(err); !ok {
		t.Fatalf("err = %v", err)
	}
	if creds.clearCount() != 0 {
		t.Fatal("checkout rejections must not clear the token")
	}
}

func TestUserNotFoundHeuristicClearsOnlyBelow500(t *testing.T) {
	var status int32 = http.StatusNotFound
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"message":"User not found"}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "gone"}
	client, _ := newTestClient(t, ts, creds)
	if _, err := client.requestWithRetry(context.Background(), http.MethodGet, "/api/account", nil, time.Second, 1); err == nil {
		t.Fatal("expected failure")
	}
	if creds.clearCount() != 1 {
		t.Fatalf("clear count = %d, want 1 after 404 body match", creds.clearCount())
	}

	creds2 := &fakeCreds{token: "kept"}
	atomic.StoreInt32(&status, http.StatusInternalServerError)
	client2, _ := newTestClient(t, ts, creds2)
	if _, err := client2.requestWithRetry(context.Background(), http.MethodGet, "/api/account", nil, time.Second, 1); err == nil {
		t.Fatal("expected failure")
	}
	if creds2.clearCount() != 0 {
		t.Fatal("5xx bodies must not trigger the text heuristic")
	}
}

func TestLicenseFallbackOnForbidden(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			_, _ = w.Write([]byte(`{"used":4,"limit":100,"remaining":96,"plan":"pro"}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"your plan does not include API access"}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "tok", license: "org-license"}
	client, _ := newTestClient(t, ts, creds)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindLicenseError {
		t.Fatalf("err = %v, want license_error", err)
	}
	if apiErr.Message != "your plan does not include API access" {
		t.Fatalf("message = %q, want backend text verbatim", apiErr.Message)
	}
	if creds.clearCount() != 0 {
		t.Fatal("license fallback keeps the bearer token")
	}
}

func TestLicenseFallbackSkippedOnUsagePath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"auth required"}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "tok", license: "org-license"}
	client, _ := newTestClient(t, ts, creds)
	_, err := client.requestWithRetry(context.Background(), http.MethodGet, "/usage", nil, time.Second, 1)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindAuthRequired {
		t.Fatalf("err = %v, want auth_required on the usage path", err)
	}
}

func TestSubscriptionExpiredSetsBannerAndKeepsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"data":{"subscription_expired":true,"message":"subscription expired"}}`))
	}))
	defer ts.Close()

	creds := &fakeCreds{token: "tok"}
	client, _ := newTestClient(t, ts, creds)
	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindSubscriptionExpired {
		t.Fatalf("err = %v, want subscription_expired", err)
	}
	if creds.clearCount() != 0 {
		t.Fatal("subscription outcomes keep the token")
	}
	banner, set := client.banner.Get()
	if !set || banner.Kind != string(KindSubscriptionExpired) {
		t.Fatalf("banner = %+v set=%v", banner, set)
	}
}

func TestSuccessClearsBanner(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"alt_text":"a red bicycle"}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	client.banner.Set(string(KindOutOfCredits), "stale banner")
	if _, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, set := client.banner.Get(); set {
		t.Fatal("success must clear the cached banner")
	}
}

func TestQuotaMismatchOverridesHardFailureOnce(t *testing.T) {
	var generateCalls, usageCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			atomic.AddInt32(&usageCalls, 1)
			_, _ = w.Write([]byte(`{"used":3,"limit":10,"remaining":7}`))
			return
		}
		atomic.AddInt32(&generateCalls, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"data":{"code":"no_credits","credits":0}}`))
	}))
	defer ts.Close()

	client, sleeps := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), usage.Snapshot{Used: 3, Limit: 10, Remaining: 7}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 2)
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	// First attempt: reconciliation overrides to a retryable mismatch. The
	// second attempt fails the same way, but reconciliation already ran, so
	// the hard verdict stands.
	if apiErr.Kind != KindOutOfCredits {
		t.Fatalf("final kind = %s, want out_of_credits after the one-shot override", apiErr.Kind)
	}
	if got := atomic.LoadInt32(&generateCalls); got != 2 {
		t.Fatalf("generate calls = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&usageCalls); got != 1 {
		t.Fatalf("usage reconciliation calls = %d, want exactly 1", got)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 1*time.Second {
		t.Fatalf("sleeps = %v, want one 1s backoff", *sleeps)
	}
}

func TestExplicitZeroRemainingConfirmsHardFailure(t *testing.T) {
	// The server reports remaining=0 while used < limit (a plan cap, not
	// arithmetic); the explicit zero must be honored, not re-derived, so the
	// hard verdict stands and the cache syncs to zero.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			_, _ = w.Write([]byte(`{"used":5,"limit":10,"remaining":0}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"data":{"code":"no_credits","credits":0}}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), usage.Snapshot{Used: 5, Limit: 10, Remaining: 5}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindOutOfCredits {
		t.Fatalf("err = %v, want out_of_credits", err)
	}
	snap, found, cacheErr := client.cache.Get(context.Background())
	if cacheErr != nil || !found {
		t.Fatalf("cache after sync: found=%v err=%v", found, cacheErr)
	}
	if snap.Remaining != 0 {
		t.Fatalf("cache remaining = %d, want the server's explicit zero", snap.Remaining)
	}
}

func TestConfirmedZeroSyncsCacheAndFailsHard(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			_, _ = w.Write([]byte(`{"used":10,"limit":10,"remaining":0}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"data":{"code":"no_credits","credits":0}}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), usage.Snapshot{Used: 5, Limit: 10, Remaining: 5}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	_, err := client.requestWithRetry(context.Background(), http.MethodPost, "/api/generate", nil, time.Second, 3)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindOutOfCredits {
		t.Fatalf("err = %v, want out_of_credits", err)
	}
	snap, found, cacheErr := client.cache.Get(context.Background())
	if cacheErr != nil || !found {
		t.Fatalf("cache after sync: found=%v err=%v", found, cacheErr)
	}
	if snap.Remaining != 0 || snap.Used != 10 {
		t.Fatalf("cache = %+v, want synced to the confirmed zero", snap)
	}
}
