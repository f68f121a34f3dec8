package apiclient

import "net/http"

// Credential headers. A license key identifies the organization and a bearer
// token identifies the acting user; the two are not mutually exclusive and a
// request may carry both. The site id lets the remote service meter quota
// per installation rather than per user.
const (
	headerLicenseKey = "X-License-Key"
	headerSiteID     = "X-Site-Id"
)

// applyAuthHeaders attaches whatever credentials are available. When neither
// credential exists the request goes out bare and the server rejects it;
// there is no guest mode for generation calls. Credential-store read errors
// are logged and treated as absent credentials.
func (c *Client) applyAuthHeaders(req *http.Request) {
	ctx := req.Context()

	if license, err := c.creds.LicenseKey(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("apiclient: license key lookup failed")
	} else if license != "" {
		req.Header.Set(headerLicenseKey, license)
	}

	if token, err := c.creds.Token(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("apiclient: token lookup failed")
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if siteID, err := c.creds.SiteID(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("apiclient: site id lookup failed")
	} else if siteID != "" {
		req.Header.Set(headerSiteID, siteID)
	}
}
