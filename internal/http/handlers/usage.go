package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Usage returns the quota snapshot, refreshing from the remote service when
// forced or when the cached value is stale.
func (a *App) Usage(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "1"
	snap, err := a.Client.Usage(r.Context(), force)
	if err != nil {
		a.Logger.Error().Err(err).Msg("usage fetch failed")
		// Serve the best available local value rather than failing the UI.
		snap = a.Client.CachedUsage(r.Context())
	}
	a.json(w, http.StatusOK, snap)
}

// SetCredentials stores a bearer token and/or a license key.
func (a *App) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		LicenseKey string `json:"license_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_request", "invalid body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	if req.Token == "" && req.LicenseKey == "" {
		a.error(w, http.StatusBadRequest, "invalid_request", "token or license_key is required")
		return
	}
	if req.Token != "" {
		if err := a.Creds.SetToken(r.Context(), req.Token); err != nil {
			a.Logger.Error().Err(err).Msg("store token failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to store token")
			return
		}
	}
	if req.LicenseKey != "" {
		if err := a.Creds.SetLicenseKey(r.Context(), req.LicenseKey); err != nil {
			a.Logger.Error().Err(err).Msg("store license key failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to store license key")
			return
		}
	}
	a.json(w, http.StatusOK, map[string]any{"updated": true})
}
