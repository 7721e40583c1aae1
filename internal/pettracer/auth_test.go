package pettracer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func loginHandler(t *testing.T, logins *atomic.Int64, token, expires string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != endpointLogin {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if creds["login"] != "pet@example.com" || creds["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": token,
			"expires":      expires,
		})
	}
}

func TestAuthManagerToken(t *testing.T) {
	var logins atomic.Int64
	expires := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(loginHandler(t, &logins, "tok-1", expires))
	defer srv.Close()

	auth := NewAuthManager(srv.URL, Credentials{Email: "pet@example.com", Password: "hunter2"}, srv.Client(), nil)

	tok, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}

	// Second call reuses the cached token.
	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if n := logins.Load(); n != 1 {
		t.Errorf("login count = %d, want 1", n)
	}
}

func TestAuthManagerSingleFlight(t *testing.T) {
	var logins atomic.Int64
	expires := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		loginHandler(t, &logins, "tok-1", expires)(w, r)
	})
	srv := httptest.NewServer(slow)
	defer srv.Close()

	auth := NewAuthManager(srv.URL, Credentials{Email: "pet@example.com", Password: "hunter2"}, srv.Client(), nil)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := auth.Token(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Token() error = %v", err)
	}

	if n := logins.Load(); n != 1 {
		t.Errorf("login count = %d, want 1", n)
	}
}

func TestAuthManagerRefreshInsideBuffer(t *testing.T) {
	var logins atomic.Int64
	// Expires only 1 minute out: inside the 5-minute buffer, so every
	// Token() call must re-authenticate.
	expires := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(loginHandler(t, &logins, "tok-1", expires))
	defer srv.Close()

	auth := NewAuthManager(srv.URL, Credentials{Email: "pet@example.com", Password: "hunter2"}, srv.Client(), nil)

	for i := 0; i < 3; i++ {
		if _, err := auth.Token(context.Background()); err != nil {
			t.Fatalf("Token() error = %v", err)
		}
	}
	if n := logins.Load(); n != 3 {
		t.Errorf("login count = %d, want 3", n)
	}
}

func TestAuthManagerBadCredentials(t *testing.T) {
	var logins atomic.Int64
	srv := httptest.NewServer(loginHandler(t, &logins, "", ""))
	defer srv.Close()

	auth := NewAuthManager(srv.URL, Credentials{Email: "wrong@example.com", Password: "nope"}, srv.Client(), nil)

	_, err := auth.Token(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Token() error = %v, want ErrAuthFailed", err)
	}
}

func TestAuthManagerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	auth := NewAuthManager(srv.URL, Credentials{Email: "pet@example.com", Password: "hunter2"}, srv.Client(), nil)

	_, err := auth.Token(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Token() error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Op != "login" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestTokenExpiryFallbacks(t *testing.T) {
	auth := NewAuthManager("http://unused", Credentials{}, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return now }

	t.Run("explicit expires wins", func(t *testing.T) {
		got := auth.tokenExpiry(loginResponse{
			AccessToken: "opaque",
			Expires:     "2026-03-01T15:00:00Z",
		})
		want := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expiry = %v, want %v", got, want)
		}
	})

	t.Run("jwt exp claim fallback", func(t *testing.T) {
		// {"alg":"none"} . {"exp":1772373600} . (empty signature)
		tok := "eyJhbGciOiJub25lIn0.eyJleHAiOjE3NzIzNzM2MDB9."
		got := auth.tokenExpiry(loginResponse{AccessToken: tok})
		want := time.Unix(1772373600, 0).UTC()
		if !got.Equal(want) {
			t.Errorf("expiry = %v, want %v", got, want)
		}
	})

	t.Run("fixed lifetime when nothing usable", func(t *testing.T) {
		got := auth.tokenExpiry(loginResponse{AccessToken: "not-a-jwt"})
		want := now.Add(fallbackTokenLifetime)
		if !got.Equal(want) {
			t.Errorf("expiry = %v, want %v", got, want)
		}
	})
}
