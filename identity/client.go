// Package identity wraps the external identity provider: email/password
// sign-up and sign-in, sign-out, current-user lookup, and password recovery.
// The provider owns all credential handling; this client only ferries tokens.
package identity

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
	"sync"
	"time"
)

// ErrNoSession is returned by CurrentUser when nobody is signed in.
var ErrNoSession = errors.New("identity: no active session")

// User is the authenticated identity. The ID is opaque; every other entity
// references users by it.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client talks to a GoTrue-shaped identity provider under /auth/v1.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	user        *User
}

// NewClient builds an identity client for the given base URL and public key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
			Timeout: 10 * time.Second,
		},
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}

// providerError is the provider's failure body. The message is surfaced
// verbatim to the user - auth errors are non-fatal and retryable.
type providerError struct {
	Message   string `json:"msg"`
	ErrorText string `json:"error_description"`
}

func (e providerError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.ErrorText
}

// SignUp registers a new account. The provider may require email
// confirmation before the first sign-in succeeds.
func (c *Client) SignUp(ctx context.Context, email, password string) (*User, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/auth/v1/signup", credentials{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// SignIn exchanges credentials for an access token and records the session
// in the client. The returned user is also available via CurrentUser.
func (c *Client) SignIn(ctx context.Context, email, password string) (*User, error) {
	var resp tokenResponse
	err := c.post(ctx, "/auth/v1/token?grant_type=password", credentials{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	u := resp.User
	c.user = &u
	c.mu.Unlock()
	return &u, nil
}

// SignOut revokes the current token at the provider and clears local session
// state. Clearing happens regardless of the revocation outcome so a dead
// provider cannot pin a session open locally.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	token := c.accessToken
	c.accessToken = ""
	c.user = nil
	c.mu.Unlock()

	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("identity: building logout request: %w", err)
	}
	c.setHeaders(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: logout failed: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// CurrentUser returns the signed-in user, or ErrNoSession.
func (c *Client) CurrentUser() (*User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil, ErrNoSession
	}
	u := *c.user
	return &u, nil
}

// RefreshUser re-fetches the user behind the current token from the
// provider, replacing the cached copy. Used on startup to validate a token
// restored from a previous run.
func (c *Client) RefreshUser(ctx context.Context) (*User, error) {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token == "" {
		return nil, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("identity: building user request: %w", err)
	}
	c.setHeaders(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: user lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.accessToken = ""
		c.user = nil
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: user lookup: status %d", resp.StatusCode)
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("identity: decoding user: %w", err)
	}
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
	return &u, nil
}

// ResetPassword asks the provider to send a recovery email. Always responds
// success-shaped for unknown addresses; failures here are transport-level.
func (c *Client) ResetPassword(ctx context.Context, email string) error {
	return c.post(ctx, "/auth/v1/recover", map[string]string{"email": email}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("identity: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("identity: building request: %w", err)
	}
	c.setHeaders(req, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("identity: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe providerError
		if json.Unmarshal(respBody, &pe) == nil && pe.text() != "" {
			return fmt.Errorf("identity: %s", pe.text())
		}
		return fmt.Errorf("identity: status %d", resp.StatusCode)
	}
	if dest != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("identity: decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("apikey", c.apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
