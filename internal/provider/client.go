// Package provider は OIDC の IdP（Logto）との通信を担います。
// 認可 URL の生成、コード交換、ID トークンの検証、userinfo の取得を行います。
// エンドポイントは設定のベース URL から組み立て、ディスカバリは使いません。
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	authPath     = "/oidc/auth"
	tokenPath    = "/oidc/token"
	userinfoPath = "/oidc/me"
	jwksPath     = "/oidc/jwks"
	issuerPath   = "/oidc"

	defaultTimeout = 10 * time.Second
	maxProfileBody = 1 << 20
)

// 認可時に要求するスコープ
var Scopes = []string{oidc.ScopeOpenID, "profile", "email"}

// Error は IdP との通信失敗です。Status は拒否されたリクエストの HTTP ステータスで、
// 通信自体の失敗では 0 になります。
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config は Client の設定です。
type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
}

// Tokens はコード交換の結果です。
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int64 // 秒。IdP が返さなければ 0
}

// Client は 1 つの IdP に対する OIDC RP クライアントです。
type Client struct {
	endpoint string
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	http     *http.Client
}

// New はクライアントを作成します。鍵は最初の検証時に取得します。
func New(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("provider: endpoint is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("provider: client id is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	keyCtx := oidc.ClientContext(ctx, hc)

	return &Client{
		endpoint: endpoint,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  endpoint + authPath,
				TokenURL: endpoint + tokenPath,
			},
		},
		verifier: oidc.NewVerifier(
			endpoint+issuerPath,
			oidc.NewRemoteKeySet(keyCtx, endpoint+jwksPath),
			&oidc.Config{ClientID: cfg.ClientID},
		),
		http: hc,
	}, nil
}

// AuthCodeURL は state 付きの認可 URL を返します。
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換します。
// ID トークンが返された場合は、検証してから返します。
func (c *Client) Exchange(ctx context.Context, code string) (Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return Tokens{}, &Error{Op: "exchange", Status: re.Response.StatusCode, Err: errors.New(re.ErrorCode)}
		}
		return Tokens{}, &Error{Op: "exchange", Err: err}
	}

	out := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if _, err := c.verifier.Verify(ctx, raw); err != nil {
			return Tokens{}, &Error{Op: "verify id token", Err: err}
		}
		out.IDToken = raw
	}
	return out, nil
}

// FetchProfile はアクセストークンで userinfo を呼び出し、
// デコードした JSON を未検証のまま返します。
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+userinfoPath, nil)
	if err != nil {
		return nil, &Error{Op: "userinfo", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "userinfo", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return nil, &Error{Op: "userinfo", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: "userinfo", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Op: "userinfo", Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return raw, nil
}
