package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alttext/internal/usage"
)

const (
	defaultBaseURL         = "https://api.alttext.ai"
	defaultRequestTimeout  = 30 * time.Second
	defaultGenerateTimeout = 90 * time.Second

	maxResponseBody = 1 << 20
)

// CredentialStore is the contract the client needs from credential
// persistence; it never manages storage itself.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
	LicenseKey(ctx context.Context) (string, error)
	ClearToken(ctx context.Context) error
	SiteID(ctx context.Context) (string, error)
}

type Options struct {
	BaseURL         string
	HTTPClient      *http.Client
	Credentials     CredentialStore
	Usage           usage.Cache
	Banner          *usage.BannerStore
	Logger          zerolog.Logger
	RequestTimeout  time.Duration
	GenerateTimeout time.Duration
}

// Client talks to the remote generation service. One instance is safe for
// concurrent use.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	creds           CredentialStore
	cache           usage.Cache
	banner          *usage.BannerStore
	logger          zerolog.Logger
	requestTimeout  time.Duration
	generateTimeout time.Duration

	// Injectable for deterministic retry tests.
	sleep func(time.Duration)
	now   func() time.Time
}

func New(opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, errors.New("apiclient: credential store is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cache := opts.Usage
	if cache == nil {
		cache = usage.NewMemoryCache()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	generateTimeout := opts.GenerateTimeout
	if generateTimeout <= 0 {
		generateTimeout = defaultGenerateTimeout
	}
	return &Client{
		httpClient:      httpClient,
		baseURL:         base,
		creds:           opts.Credentials,
		cache:           cache,
		banner:          opts.Banner,
		logger:          opts.Logger,
		requestTimeout:  requestTimeout,
		generateTimeout: generateTimeout,
		sleep:           time.Sleep,
		now:             time.Now,
	}, nil
}

// Envelope is the normalized result of one HTTP attempt. The transport layer
// records what happened without interpreting it; classification is a
// separate step.
type Envelope struct {
	StatusCode int
	Body       []byte
	Data       map[string]any
	Success    bool
}

// send performs exactly one HTTP attempt. A transport-level failure returns
// an *APIError with a network kind; any received response, whatever its
// status, returns an Envelope.
func (c *Client) send(ctx context.Context, method, path string, payload any, timeout time.Duration) (*Envelope, *APIError) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.applyAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransport(err)
	}

	env := &Envelope{
		StatusCode: resp.StatusCode,
		Body:       raw,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	var data map[string]any
	if json.Unmarshal(raw, &data) == nil {
		env.Data = data
	}
	return env, nil
}

// classifyTransport maps a transport failure to its network sub-kind. Only
// timeouts and unreachable hosts are worth retrying; an unknown transport
// error is surfaced as-is.
func classifyTransport(err error) *APIError {
	msg := err.Error()
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return &APIError{Kind: KindAPITimeout, Message: msg, Retryable: true}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"):
		return &APIError{Kind: KindAPIUnreachable, Message: msg, Retryable: true}
	default:
		return &APIError{Kind: KindNetworkUnknown, Message: msg}
	}
}
