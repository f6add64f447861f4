package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/tourbridge/internal/logging"
)

// RefreshWindow is how long before expiry a token is replaced.
const RefreshWindow = 5 * time.Minute

// fetchTimeout bounds a shared login or refresh.
const fetchTimeout = 30 * time.Second

// TokenResponse is the body returned by an operator's login and refresh
// endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginFunc authenticates with site credentials.
type LoginFunc func(ctx context.Context) (*TokenResponse, error)

// RefreshFunc exchanges a refresh token for a new access token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenResponse, error)

// ErrNoToken is returned when the operator answered without an access token.
var ErrNoToken = errors.New("transport: empty access token")

type token struct {
	access    string
	refresh   string
	expiresAt time.Time
}

// TokenSource caches one site-level access token and refreshes it before it
// expires. Concurrent callers that find the token stale share a single
// in-flight refresh.
type TokenSource struct {
	operator string
	login    LoginFunc
	refresh  RefreshFunc
	now      func() time.Time

	mu    sync.Mutex
	cur   *token
	group singleflight.Group
}

// NewTokenSource creates a TokenSource. refresh may be nil, in which case
// every renewal logs in again.
func NewTokenSource(operator string, login LoginFunc, refresh RefreshFunc) *TokenSource {
	return &TokenSource{
		operator: operator,
		login:    login,
		refresh:  refresh,
		now:      time.Now,
	}
}

// Token returns a valid access token, fetching one if the cached token is
// missing or within RefreshWindow of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil && s.now().Add(RefreshWindow).Before(cur.expiresAt) {
		return cur.access, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, cur)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *TokenSource) fetch(ctx context.Context, stale *token) (string, error) {
	// Another flight may already have replaced the token we saw as stale.
	s.mu.Lock()
	if s.cur != nil && s.cur != stale && s.now().Add(RefreshWindow).Before(s.cur.expiresAt) {
		access := s.cur.access
		s.mu.Unlock()
		return access, nil
	}
	s.mu.Unlock()

	var (
		resp *TokenResponse
		err  error
	)
	if stale != nil && stale.refresh != "" && s.refresh != nil {
		resp, err = s.refresh(ctx, stale.refresh)
		if err != nil {
			logging.L(ctx).Warn("token refresh failed, logging in again", "operator", s.operator, "error", err)
		}
	}
	if resp == nil {
		resp, err = s.login(ctx)
		if err != nil {
			return "", fmt.Errorf("%s: login: %w", s.operator, err)
		}
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%s: %w", s.operator, ErrNoToken)
	}

	next := &token{
		access:    resp.AccessToken,
		refresh:   resp.RefreshToken,
		expiresAt: s.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return next.access, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
// The refresh token is kept for that fetch.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	if s.cur != nil {
		s.cur = &token{refresh: s.cur.refresh}
	}
	s.mu.Unlock()
}

// PasswordAuth returns login and refresh functions that call loginPath and
// refreshPath on c with site credentials. c must not itself use the
// TokenSource they feed.
func PasswordAuth(c *Client, loginPath, refreshPath, login, password string) (LoginFunc, RefreshFunc) {
	loginFn := func(ctx context.Context) (*TokenResponse, error) {
		var out TokenResponse
		err := c.Post(ctx, loginPath, map[string]string{"login": login, "password": password}, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	refreshFn := func(ctx context.Context, refreshToken string) (*TokenResponse, error) {
		var out TokenResponse
		err := c.Post(ctx, refreshPath, map[string]string{"refresh_token": refreshToken}, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return loginFn, refreshFn
}
