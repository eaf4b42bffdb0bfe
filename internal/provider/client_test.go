package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oidc/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    1800,
		})
	})
	mux.HandleFunc("/oidc/me", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer access-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sub":"u1","email":"a@x.com"}`))
		case "Bearer garbage":
			_, _ = w.Write([]byte(`<html>`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Endpoint:     srv.URL + "/",
		ClientID:     "app",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresEndpointAndClientID(t *testing.T) {
	_, err := New(context.Background(), Config{ClientID: "app"})
	require.Error(t, err)
	_, err = New(context.Background(), Config{Endpoint: "https://id.example"})
	require.Error(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	u, err := url.Parse(c.AuthCodeURL("state-123"))
	require.NoError(t, err)
	assert.Equal(t, "/oidc/auth", u.Path)

	q := u.Query()
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "app", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "http://localhost:8080/auth/callback", q.Get("redirect_uri"))
}

func TestExchange(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	tok, err := c.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, int64(1800), tok.ExpiresIn)
	assert.Empty(t, tok.IDToken)
}

func TestExchangeRejected(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	_, err := c.Exchange(context.Background(), "bad-code")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "exchange", perr.Op)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
}

func TestFetchProfile(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	raw, err := c.FetchProfile(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sub": "u1", "email": "a@x.com"}, raw)
}

func TestFetchProfileNon2xx(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	_, err := c.FetchProfile(context.Background(), "expired")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusUnauthorized, perr.Status)
	assert.NotContains(t, err.Error(), "expired", "token material must not leak into errors")
}

func TestFetchProfileUndecodable(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	_, err := c.FetchProfile(context.Background(), "garbage")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "userinfo", perr.Op)
}

func TestFetchProfileTransportFailure(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.FetchProfile(context.Background(), "access-1")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Zero(t, perr.Status)
}
