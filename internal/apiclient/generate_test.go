package apiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"alttext/internal/usage"
)

func freshSnapshot(remaining int) usage.Snapshot {
	return usage.Snapshot{Used: 10 - remaining, Limit: 10, Remaining: remaining, Plan: usage.PlanFree}
}

func TestGenerateAltTextSuccess(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"alt_text":"a red bicycle leaning against a wall","usage":{"used":8,"limit":100,"remaining":92,"plan":"pro"}}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), freshSnapshot(7)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	text, err := client.GenerateAltText(context.Background(), GenerateRequest{
		ImageURL: "https://example.com/bike.jpg",
		Keywords: []string{"bicycle", "red"},
	})
	if err != nil {
		t.Fatalf("GenerateAltText error: %v", err)
	}
	if text != "a red bicycle leaning against a wall" {
		t.Fatalf("alt text = %q", text)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("request body: %v", err)
	}
	image, _ := payload["image"].(map[string]any)
	if image["url"] != "https://example.com/bike.jpg" {
		t.Fatalf("payload image = %+v", image)
	}
	if payload["regenerate"] != false {
		t.Fatalf("payload regenerate = %v", payload["regenerate"])
	}

	// The piggybacked usage block keeps the cache warm.
	snap, found, cacheErr := client.cache.Get(context.Background())
	if cacheErr != nil || !found {
		t.Fatalf("cache after success: found=%v err=%v", found, cacheErr)
	}
	if snap.Remaining != 92 || snap.Plan != "pro" {
		t.Fatalf("cache = %+v, want the piggybacked usage", snap)
	}
}

func TestGenerateEncodesInlineImageData(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"alt_text":"pixels"}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), freshSnapshot(5)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	raw := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if _, err := client.GenerateAltText(context.Background(), GenerateRequest{ImageData: raw}); err != nil {
		t.Fatalf("GenerateAltText error: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("request body: %v", err)
	}
	image, _ := payload["image"].(map[string]any)
	if image["data"] != base64.StdEncoding.EncodeToString(raw) {
		t.Fatalf("payload image data = %v", image["data"])
	}
	if _, hasURL := image["url"]; hasURL {
		t.Fatal("url must be omitted when sending inline data")
	}
}

func TestGenerateRequiresAnImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent")
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	_, err := client.GenerateAltText(context.Background(), GenerateRequest{})
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestPreflightShortCircuitsWhenAtLimit(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), freshSnapshot(0)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	_, err := client.GenerateAltText(context.Background(), GenerateRequest{ImageURL: "https://example.com/a.png"})
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindOutOfCredits {
		t.Fatalf("err = %v, want out_of_credits", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("a fresh at-limit snapshot must avoid the network entirely")
	}
	if _, set := client.banner.Get(); !set {
		t.Fatal("pre-flight rejection must cache a banner")
	}
}

func TestPreflightRefreshesStaleSnapshotBeforeGating(t *testing.T) {
	var generateCalls, usageCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			atomic.AddInt32(&usageCalls, 1)
			_, _ = w.Write([]byte(`{"used":10,"limit":10,"remaining":0}`))
			return
		}
		atomic.AddInt32(&generateCalls, 1)
	}))
	defer ts.Close()

	// Empty cache: the pre-flight falls back to the conservative default,
	// which is stale, so it must refresh before trusting any verdict.
	client, _ := newTestClient(t, ts, nil)
	_, err := client.GenerateAltText(context.Background(), GenerateRequest{ImageURL: "https://example.com/a.png"})
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindOutOfCredits {
		t.Fatalf("err = %v, want out_of_credits", err)
	}
	if atomic.LoadInt32(&usageCalls) != 1 {
		t.Fatalf("usage calls = %d, want 1", usageCalls)
	}
	if atomic.LoadInt32(&generateCalls) != 0 {
		t.Fatal("generation must not run once the refreshed snapshot confirms zero")
	}
}

func TestGenerateQuotaMismatchSpendsOneExtraAttempt(t *testing.T) {
	var generateCalls, usageCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usage" {
			atomic.AddInt32(&usageCalls, 1)
			_, _ = w.Write([]byte(`{"used":3,"limit":10,"remaining":7}`))
			return
		}
		switch atomic.AddInt32(&generateCalls, 1) {
		case 1, 2:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"backend hiccup"}`))
		case 3:
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"data":{"code":"no_credits","credits":0}}`))
		default:
			_, _ = w.Write([]byte(`{"alt_text":"a sleeping cat"}`))
		}
	}))
	defer ts.Close()

	client, sleeps := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), freshSnapshot(7)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	text, err := client.GenerateAltText(context.Background(), GenerateRequest{ImageURL: "https://example.com/cat.jpg"})
	if err != nil {
		t.Fatalf("GenerateAltText error: %v", err)
	}
	if text != "a sleeping cat" {
		t.Fatalf("alt text = %q", text)
	}
	if got := atomic.LoadInt32(&generateCalls); got != 4 {
		t.Fatalf("generate calls = %d, want 3 retried plus 1 extra", got)
	}
	if got := atomic.LoadInt32(&usageCalls); got != 1 {
		t.Fatalf("usage calls = %d, want exactly 1 reconciliation fetch", got)
	}
	// Two in-loop backoffs, then the mismatch delay before the extra attempt.
	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestGenerateMissingAltTextIsServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts, nil)
	if err := client.cache.Put(context.Background(), freshSnapshot(5)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	_, err := client.GenerateAltText(context.Background(), GenerateRequest{ImageURL: "https://example.com/a.png"})
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindServerError {
		t.Fatalf("err = %v, want server_error for a missing alt_text", err)
	}
}
