package tcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-pkgz/requester"
	"github.com/go-pkgz/requester/middleware"
)

// defaults for client configuration
const (
	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// Client is a tcloud API client. It is safe for concurrent use; all calls
// share one session cookie.
type Client struct {
	baseURL   string
	requester *requester.Requester
}

// clientConfig holds configuration options during client construction.
type clientConfig struct {
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	httpClient *http.Client
}

// Option is a functional option for configuring the client.
type Option func(*clientConfig)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithRetry configures retry behavior.
func WithRetry(count int, delay time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.retryCount = count
		cfg.retryDelay = delay
	}
}

// WithHTTPClient sets a custom http.Client. A cookie jar is attached when
// the client has none, since the session cookie is how calls authenticate.
// Note: when using WithHTTPClient, the WithTimeout option has no effect
// since timeout is configured on the http.Client directly.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *clientConfig) {
		cfg.httpClient = client
	}
}

// ServerInfo describes the server and its plugin catalog, from GET /api/info.
type ServerInfo struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description"`
	Source      string       `json:"source"`
	Plugins     []PluginInfo `json:"plugins"`
}

// PluginInfo is one catalog entry of ServerInfo.
type PluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Source      string `json:"source"`
	AdminOnly   bool   `json:"admin_only"`
}

// TotpEnrolment carries a fresh TOTP secret, as the otpauth URL or a base64
// PNG of its QR code depending on the asQR request flag.
type TotpEnrolment struct {
	URL string `json:"totp_url"`
	QR  string `json:"totp_qr"`
}

// TokenGrant is a freshly issued token with its lifetime in seconds.
type TokenGrant struct {
	Token    string `json:"token"`
	Duration int64  `json:"duration"`
}

// TokenInfo is one row of the admin token list. ForUser is nil for
// registration tokens and names the account for password-reset tokens.
type TokenInfo struct {
	ID      int64   `json:"id"`
	Token   string  `json:"token"`
	Expire  int64   `json:"expire"` // unix seconds
	ForUser *string `json:"for_user,omitempty"`
}

// New creates a new tcloud client with the given base URL and options. The
// base URL includes the server's url_prefix, e.g. "https://host/tcloud".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}

	// normalize base URL
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := &clientConfig{
		timeout:    defaultTimeout,
		retryCount: defaultRetryCount,
		retryDelay: defaultRetryDelay,
	}

	// apply options
	for _, opt := range opts {
		opt(cfg)
	}

	// build requester with middleware
	var middlewares []middleware.RoundTripperHandler
	if cfg.retryCount > 0 {
		middlewares = append(middlewares, middleware.Retry(cfg.retryCount, cfg.retryDelay))
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.timeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	return &Client{
		baseURL:   baseURL,
		requester: requester.New(*httpClient, middlewares...),
	}, nil
}

// Info retrieves the server description and plugin catalog.
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	if err := c.call(ctx, http.MethodGet, "/api/info", nil, &info); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}

// Ping checks server connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/ping", nil, nil)
}

// Register creates an account with a registration token and starts a
// session. The response is the account's TOTP enrolment secret; asQR selects
// the QR image form over the otpauth URL.
func (c *Client) Register(ctx context.Context, user, password, token string, asQR bool) (TotpEnrolment, error) {
	req := map[string]any{"user": user, "password": password, "token": token, "totp_as_qr": asQR}
	var enrolment TotpEnrolment
	if err := c.call(ctx, http.MethodPost, "/api/auth/register", req, &enrolment); err != nil {
		return TotpEnrolment{}, err
	}
	return enrolment, nil
}

// Login authenticates with password and the current TOTP code and starts a
// session.
func (c *Client) Login(ctx context.Context, user, password, code string) error {
	req := map[string]string{"user": user, "password": password, "totp": code}
	return c.call(ctx, http.MethodPost, "/api/auth/login", req, nil)
}

// Logout ends the current session. Sessions on other clients stay alive.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/auth/logout", nil, nil)
}

// LogoutAll revokes every session of the account, this one included.
func (c *Client) LogoutAll(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/auth/logoutall", nil, nil)
}

// DeleteAccount removes the account behind the current session together
// with its server-side data.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/auth/delete", nil, nil)
}

// ChangePassword replaces the account password after re-verifying the old
// one. All sessions are revoked on success, so the caller has to log in
// again.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	req := map[string]string{"new_password": newPassword, "oldpassword": oldPassword}
	return c.call(ctx, http.MethodPost, "/api/auth/changepwd", req, nil)
}

// ChangePasswordWithToken replaces the account password using an
// admin-issued reset token bound to this account. The session stays alive.
func (c *Client) ChangePasswordWithToken(ctx context.Context, token, newPassword string) error {
	req := map[string]string{"new_password": newPassword, "token": token}
	return c.call(ctx, http.MethodPost, "/api/auth/changepwd", req, nil)
}

// ResetPassword replaces a password without a session, authorized solely by
// a reset token bound to the account.
func (c *Client) ResetPassword(ctx context.Context, user, token, newPassword string) error {
	req := map[string]string{"user": user, "new_password": newPassword, "token": token}
	return c.call(ctx, http.MethodPost, "/api/auth/resetpwd", req, nil)
}

// ChangeTOTP re-enrolls the second factor after re-verifying the password.
// All sessions are revoked; the returned secret is only usable together with
// a fresh login.
func (c *Client) ChangeTOTP(ctx context.Context, password string, asQR bool) (TotpEnrolment, error) {
	req := map[string]any{"password": password, "totp_as_qr": asQR}
	var enrolment TotpEnrolment
	if err := c.call(ctx, http.MethodPost, "/api/auth/changetotp", req, &enrolment); err != nil {
		return TotpEnrolment{}, err
	}
	return enrolment, nil
}

// NewToken issues a token (admin only). durationSecs overrides the server's
// default lifetime when non-nil; forUser binds the token to one account as a
// password-reset token instead of a registration token.
func (c *Client) NewToken(ctx context.Context, durationSecs *int64, forUser *string) (TokenGrant, error) {
	req := map[string]any{}
	if durationSecs != nil {
		req["duration"] = *durationSecs
	}
	if forUser != nil {
		req["for_user"] = *forUser
	}
	var grant TokenGrant
	if err := c.call(ctx, http.MethodPost, "/api/token/new", req, &grant); err != nil {
		return TokenGrant{}, err
	}
	return grant, nil
}

// ListTokens returns all outstanding tokens (admin only).
func (c *Client) ListTokens(ctx context.Context) ([]TokenInfo, error) {
	var tokens []TokenInfo
	if err := c.call(ctx, http.MethodGet, "/api/token/list", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeleteToken revokes a token by value (admin only).
func (c *Client) DeleteToken(ctx context.Context, token string) error {
	return c.call(ctx, http.MethodPost, "/api/token/delete", map[string]string{"token": token}, nil)
}

// DeleteTokenByID revokes a token by its list id (admin only).
func (c *Client) DeleteTokenByID(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPost, "/api/token/delete", map[string]int64{"id": id}, nil)
}

// Plugin calls the named plugin with a JSON body and returns the plugin's
// raw response. body may be any JSON-marshalable value, json.RawMessage and
// []byte pass through as-is.
func (c *Client) Plugin(ctx context.Context, name string, body any) ([]byte, error) {
	if name == "" {
		return nil, errors.New("plugin name is required")
	}

	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(c.baseURL, "api", "p", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.requester.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return out, nil
}

// Upload sends a file to the named plugin as a multipart request: an "info"
// part with the JSON-marshaled info value followed by the "file" part
// streamed from r. Returns the plugin's raw response.
func (c *Client) Upload(ctx context.Context, name, filename string, info any, r io.Reader) ([]byte, error) {
	if name == "" {
		return nil, errors.New("plugin name is required")
	}

	infoJSON, err := marshalBody(info)
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(c.baseURL, "api", "up", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	// stream the multipart body so large files are not buffered in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, infoJSON, filename, r)
		if cerr := mw.Close(); cerr != nil && err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.requester.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return out, nil
}

// call performs a JSON request against path and decodes the response into
// out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	u := c.baseURL + path

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := marshalBody(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.requester.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// marshalBody converts v to JSON, passing raw byte payloads through.
func marshalBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return payload, nil
}

// writeUpload emits the info and file parts in the order the server reads
// them.
func writeUpload(mw *multipart.Writer, infoJSON []byte, filename string, r io.Reader) error {
	if len(infoJSON) > 0 {
		part, err := mw.CreateFormField("info")
		if err != nil {
			return fmt.Errorf("failed to create info part: %w", err)
		}
		if _, err := part.Write(infoJSON); err != nil {
			return fmt.Errorf("failed to write info part: %w", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to stream file: %w", err)
	}
	return nil
}
