package pettracer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Token validity constants.
const (
	// tokenExpiryBuffer is subtracted from the reported expiry; a token
	// this close to expiring is treated as already invalid so in-flight
	// requests never race the server-side cutoff.
	tokenExpiryBuffer = 5 * time.Minute

	// fallbackTokenLifetime is assumed when the login response carries
	// no usable expiry at all.
	fallbackTokenLifetime = time.Hour
)

// Credentials identify the portal account. Supplied once at
// configuration time; immutable for the life of the AuthManager.
type Credentials struct {
	Email    string
	Password string
}

// accessToken pairs a bearer token with its expiry. Replaced atomically
// under the mutex, never mutated in place.
type accessToken struct {
	value  string
	expiry time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiry.Add(-tokenExpiryBuffer))
}

// AuthManager owns the bearer token for the vendor API.
//
// All authenticated call paths obtain the token through Token(), which
// refreshes lazily when the cached token is within the expiry buffer.
// Concurrent refreshes are single-flighted: at most one login request is
// in flight, and every concurrent caller shares its result.
type AuthManager struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	logger  Logger

	mu    sync.RWMutex
	token accessToken

	group singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// NewAuthManager creates an auth manager for the given portal API base
// URL. The http.Client may be shared with the REST gateway.
func NewAuthManager(baseURL string, creds Credentials, client *http.Client, logger Logger) *AuthManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &AuthManager{
		baseURL: baseURL,
		creds:   creds,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// Token returns a currently-valid bearer token, authenticating first if
// the cached token is missing or inside the expiry buffer.
func (a *AuthManager) Token(ctx context.Context) (string, error) {
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()

	if tok.valid(a.now()) {
		return tok.value, nil
	}

	return a.Authenticate(ctx)
}

// Authenticate performs a login against the vendor API and replaces the
// stored token. Concurrent callers share a single login request.
func (a *AuthManager) Authenticate(ctx context.Context) (string, error) {
	v, err, _ := a.group.Do("login", func() (any, error) {
		// A racing caller may have refreshed while we queued.
		a.mu.RLock()
		tok := a.token
		a.mu.RUnlock()
		if tok.valid(a.now()) {
			return tok.value, nil
		}

		fresh, err := a.login(ctx)
		if err != nil {
			return "", err
		}

		a.mu.Lock()
		a.token = fresh
		a.mu.Unlock()

		a.logger.Debug("authenticated with portal", "expires", fresh.expiry)
		return fresh.value, nil
	})
	if err != nil {
		return "", err
	}
	token, ok := v.(string)
	if !ok || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// loginResponse is the body of a successful POST /user/login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	Expires     string `json:"expires"`
}

// login issues the actual HTTP login request.
func (a *AuthManager) login(ctx context.Context) (accessToken, error) {
	body, err := json.Marshal(map[string]string{
		"login":    a.creds.Email,
		"password": a.creds.Password,
	})
	if err != nil {
		return accessToken{}, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+endpointLogin, bytes.NewReader(body))
	if err != nil {
		return accessToken{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return accessToken{}, ErrAuthFailed
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return accessToken{}, &APIError{Status: resp.StatusCode, Op: "login"}
	}

	var decoded loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return accessToken{}, fmt.Errorf("decode login response: %w", err)
	}
	if decoded.AccessToken == "" {
		return accessToken{}, fmt.Errorf("decode login response: %w", ErrNoToken)
	}

	return accessToken{
		value:  decoded.AccessToken,
		expiry: a.tokenExpiry(decoded),
	}, nil
}

// tokenExpiry determines when the token expires. The portal reports an
// ISO-8601 expires field; when that is missing or unparseable, fall back
// to the exp claim inside the JWT itself, then to a fixed lifetime.
func (a *AuthManager) tokenExpiry(resp loginResponse) time.Time {
	if resp.Expires != "" {
		if t, err := time.Parse(time.RFC3339, resp.Expires); err == nil {
			return t.UTC()
		}
		a.logger.Warn("unparseable token expiry, falling back to JWT claim", "expires", resp.Expires)
	}

	// The token is a JWT issued by the portal; we never verify it (the
	// server does that), we only read the expiry claim.
	if claims := parseJWTExpiry(resp.AccessToken); claims != nil {
		return claims.UTC()
	}

	return a.now().Add(fallbackTokenLifetime)
}

// parseJWTExpiry extracts the exp claim without verifying the signature.
// Returns nil when the token is not a JWT or carries no exp claim.
func parseJWTExpiry(token string) *time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	return &exp.Time
}
