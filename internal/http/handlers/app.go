package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"alttext/internal/apiclient"
	"alttext/internal/infra"
	"alttext/internal/queue"
	"alttext/internal/usage"
)

// CredentialWriter is the slice of the credential store the admin surface
// needs.
type CredentialWriter interface {
	SetToken(ctx context.Context, token string) error
	SetLicenseKey(ctx context.Context, key string) error
}

type App struct {
	Store  *queue.Store
	Client *apiclient.Client
	Creds  CredentialWriter
	Banner *usage.BannerStore
	Logger infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]any{"error": kind, "message": message})
}
