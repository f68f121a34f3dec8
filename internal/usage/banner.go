package usage

import (
	"sync"
	"time"
)

// BannerError is the last quota or subscription error worth surfacing in a
// UI banner. It is kept until the next successful API call clears it.
type BannerError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BannerStore holds at most one BannerError.
type BannerStore struct {
	mu      sync.Mutex
	err     BannerError
	present bool
}

func NewBannerStore() *BannerStore {
	return &BannerStore{}
}

func (b *BannerStore) Set(kind, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = BannerError{Kind: kind, Message: message, At: time.Now()}
	b.present = true
}

func (b *BannerStore) Get() (BannerError, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err, b.present
}

func (b *BannerStore) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = BannerError{}
	b.present = false
}
