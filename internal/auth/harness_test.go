package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/KukuhKKH/diagram/internal/provider"
	"github.com/KukuhKKH/diagram/internal/session"
	"github.com/KukuhKKH/diagram/internal/users"
)

const (
	testSecret   = "test-session-secret-0123456789abcdef"
	testFrontend = "http://localhost:5173"
)

type fakeExchanger struct {
	tokens provider.Tokens
	err    error
	codes  []string
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://id.example/oidc/auth?state=" + url.QueryEscape(state)
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (provider.Tokens, error) {
	f.codes = append(f.codes, code)
	return f.tokens, f.err
}

type fakeFetcher struct {
	raw    any
	err    error
	tokens []string
}

func (f *fakeFetcher) FetchProfile(_ context.Context, accessToken string) (any, error) {
	f.tokens = append(f.tokens, accessToken)
	return f.raw, f.err
}

// flakyStore は正常なストアの一部の操作だけを失敗させます。
type flakyStore struct {
	session.Store
	failSet     bool
	failDestroy bool
	sets        int
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) Set(ctx context.Context, sid string, rec *session.Record) error {
	s.sets++
	if s.failSet {
		return errStoreDown
	}
	return s.Store.Set(ctx, sid, rec)
}

func (s *flakyStore) Destroy(ctx context.Context, sid string) error {
	if s.failDestroy {
		return errStoreDown
	}
	return s.Store.Destroy(ctx, sid)
}

type harness struct {
	t        *testing.T
	router   *gin.Engine
	store    *flakyStore
	local    *session.LocalStore
	co       *Coordinator
	manager  *Manager
	exchange *fakeExchanger
	fetch    *fakeFetcher
	users    *users.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	local := session.NewLocalStore()
	store := &flakyStore{Store: local}
	co := NewCoordinator(store, testSecret, CookieOptions{})
	exchange := &fakeExchanger{tokens: provider.Tokens{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 1800}}
	fetch := &fakeFetcher{raw: map[string]any{"sub": "u1", "email": "a@x.com"}}
	svc := users.NewService(users.NewMemoryRepository())
	manager := NewManager(co, exchange, NewCallbackFlow(fetch, svc), svc, Options{FrontendURL: testFrontend})

	r := gin.New()
	r.Use(co.Middleware())
	manager.RegisterRoutes(r, StateSessions(testSecret, false))

	return &harness{
		t:        t,
		router:   r,
		store:    store,
		local:    local,
		co:       co,
		manager:  manager,
		exchange: exchange,
		fetch:    fetch,
		users:    svc,
	}
}

func (h *harness) do(method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// login は /auth/login と /auth/callback を実行し、コールバックのレスポンスを返します。
func (h *harness) login(extra ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	start := h.do(http.MethodGet, "/auth/login")
	require.Equal(h.t, http.StatusFound, start.Code)

	loc, err := url.Parse(start.Header().Get("Location"))
	require.NoError(h.t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(h.t, state)

	stateCookie := lastCookie(start, stateCookieName)
	require.NotNil(h.t, stateCookie)

	cookies := append([]*http.Cookie{stateCookie}, extra...)
	return h.do(http.MethodGet, "/auth/callback?code=good&state="+url.QueryEscape(state), cookies...)
}

// sessionID は resp に設定された署名付きセッションクッキーをデコードします。
func (h *harness) sessionID(resp *httptest.ResponseRecorder) string {
	h.t.Helper()
	c := lastCookie(resp, DefaultCookieName)
	require.NotNil(h.t, c, "no session cookie set")
	var sid string
	require.NoError(h.t, h.co.codec.Decode(DefaultCookieName, c.Value, &sid))
	return sid
}

func lastCookie(resp *httptest.ResponseRecorder, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range resp.Result().Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}
