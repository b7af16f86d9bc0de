// Package gotrue implements identity.Provider against a GoTrue-compatible
// auth API (the Supabase auth server) and its PostgREST profiles table.
package gotrue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/internal/httpjson"
	"github.com/ggoodman/storefront-go/internal/tokenverify"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the project URL, e.g. https://abc.supabase.co.
	BaseURL string
	// APIKey is sent as the apikey header on every request.
	APIKey string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	// Verifier, when set, validates every access token the server returns and
	// supplies its expiry.
	Verifier tokenverify.Verifier
	Logger   *slog.Logger
}

// Client talks to the auth server. It remembers the last session it issued
// so GetSession can answer without the caller holding tokens.
type Client struct {
	base     *url.URL
	apiKey   string
	http     *http.Client
	verifier tokenverify.Verifier
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *identity.Session
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gotrue: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gotrue: invalid base url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("gotrue: api key is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		http:     hc,
		verifier: cfg.Verifier,
		log:      log,
		now:      time.Now,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Code             int    `json:"code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// GetSession returns the session this client last established, refreshing it
// when expired and confirming it with the server otherwise.
func (c *Client) GetSession(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil, nil
	}

	if cur.Expired(c.now()) {
		s, err := c.RefreshSession(ctx, cur.RefreshToken)
		if errors.Is(err, identity.ErrInvalidCredentials) {
			c.setCurrent(nil)
			return nil, nil
		}
		return s, err
	}

	var u userResponse
	err := c.do(ctx, "get_user", http.MethodGet, "/auth/v1/user", cur.AccessToken, nil, &u)
	if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrSessionNotFound) {
		c.setCurrent(nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := *cur
	return &out, nil
}

// SignInWithPassword exchanges an email/password pair for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	var tr tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "sign_in", http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &tr); err != nil {
		return nil, err
	}
	return c.establish(ctx, &tr)
}

// SignUpWithPassword creates an account. When the project auto-confirms, the
// response carries a session; otherwise nil is returned.
func (c *Client) SignUpWithPassword(ctx context.Context, email, password string, opts identity.SignUpOptions) (*identity.Session, error) {
	body := map[string]any{"email": email, "password": password}
	if opts.DisplayName != "" {
		body["data"] = map[string]string{"display_name": opts.DisplayName}
	}
	path := "/auth/v1/signup"
	if opts.RedirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(opts.RedirectTo)
	}

	var tr tokenResponse
	if err := c.do(ctx, "sign_up", http.MethodPost, path, "", body, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		c.log.InfoContext(ctx, "gotrue.sign_up.confirmation_required")
		return nil, nil
	}
	return c.establish(ctx, &tr)
}

// RefreshSession trades a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	if refreshToken == "" {
		return nil, identity.ErrSessionNotFound
	}
	var tr tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, "refresh", http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &tr); err != nil {
		return nil, err
	}
	return c.establish(ctx, &tr)
}

// SignOut revokes the session server-side. The local session is forgotten
// even when the server call fails.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	c.setCurrent(nil)
	if accessToken == "" {
		return nil
	}
	err := c.do(ctx, "sign_out", http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
	if errors.Is(err, identity.ErrSessionNotFound) || errors.Is(err, identity.ErrInvalidCredentials) {
		return nil
	}
	return err
}

// GetProfile reads the user's row from the profiles table.
func (c *Client) GetProfile(ctx context.Context, accessToken, userID string) (*identity.Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "display_name,role,avatar_url")

	var rows []identity.Profile
	if err := c.do(ctx, "get_profile", http.MethodGet, "/rest/v1/profiles?"+q.Encode(), accessToken, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, identity.ErrProfileNotFound
	}
	return &rows[0], nil
}

func (c *Client) setCurrent(s *identity.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *Client) establish(ctx context.Context, tr *tokenResponse) (*identity.Session, error) {
	if tr.AccessToken == "" {
		return nil, &identity.APIError{Status: http.StatusOK, Code: "missing_token", Message: "token response without access_token"}
	}
	s := &identity.Session{
		User:         identity.User{ID: tr.User.ID, Email: tr.User.Email},
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}

	switch {
	case c.verifier != nil:
		claims, err := c.verifier.Verify(ctx, tr.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("gotrue: access token rejected: %w", err)
		}
		if s.User.ID != "" && claims.Subject != s.User.ID {
			return nil, fmt.Errorf("gotrue: token subject %q does not match user %q", claims.Subject, s.User.ID)
		}
		s.User.ID = claims.Subject
		s.ExpiresAt = claims.ExpiresAt
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		claims, err := tokenverify.ParseUnverified(tr.AccessToken)
		if err != nil {
			return nil, err
		}
		s.ExpiresAt = claims.ExpiresAt
	}

	c.setCurrent(s)
	out := *s
	return &out, nil
}

// do performs one request. Non-2xx responses are mapped onto identity errors.
func (c *Client) do(ctx context.Context, op, method, path, bearer string, body, out any) error {
	req, err := httpjson.NewRequest(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &identity.NetworkError{Op: op, Err: ctxErr}
		}
		return &identity.NetworkError{Op: op, Err: err}
	}
	defer httpjson.Drain(resp)

	c.log.DebugContext(ctx, "gotrue.request",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return httpjson.Decode(resp, out)
	}
	return c.mapError(op, resp)
}

func (c *Client) mapError(op string, resp *http.Response) error {
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &identity.NetworkError{Op: op, Err: fmt.Errorf("server responded %d", resp.StatusCode)}
	}

	var er errorResponse
	if httpjson.IsJSON(resp.Header) {
		_ = httpjson.Decode(resp, &er)
	}
	code := er.ErrorCode
	if code == "" {
		code = er.Error
	}
	msg := er.ErrorDescription
	if msg == "" {
		msg = er.Msg
	}
	if msg == "" {
		msg = er.Message
	}

	switch {
	case code == "invalid_grant" || code == "invalid_credentials",
		code == "refresh_token_not_found" && op == "refresh",
		resp.StatusCode == http.StatusUnauthorized && op == "sign_in":
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, msg)
	case code == "session_not_found" || code == "refresh_token_not_found":
		return fmt.Errorf("%w: %s", identity.ErrSessionNotFound, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", identity.ErrSessionNotFound, msg)
	}
	return &identity.APIError{Status: resp.StatusCode, Code: code, Message: msg}
}

var _ identity.Provider = (*Client)(nil)
