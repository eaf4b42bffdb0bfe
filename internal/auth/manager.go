// Package auth はブラウザ向けの OAuth ログインフローと、その裏のサーバーサイドセッションを実装します。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/metrics"
	"github.com/KukuhKKH/diagram/internal/session"
	"github.com/KukuhKKH/diagram/internal/users"
)

// ContextUserKey は RequireLogin 後の認証済み *session.User を保持するキーです。
const ContextUserKey = "auth.user"

// UserDirectory はローカルユーザーの参照とログアウト通知を受け持ちます。
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*session.User, error)
	Logout(ctx context.Context, userID string)
}

// Options はリダイレクト先の設定です。
type Options struct {
	FrontendURL string
	ErrorPath   string
}

// Manager は /auth 配下のハンドラーをまとめます。
type Manager struct {
	sessions *Coordinator
	oauth    TokenExchanger
	flow     *CallbackFlow
	users    UserDirectory
	opts     Options
}

// NewManager はハンドラーを組み立てます。
func NewManager(sessions *Coordinator, oauth TokenExchanger, flow *CallbackFlow, dir UserDirectory, opts Options) *Manager {
	if opts.ErrorPath == "" {
		opts.ErrorPath = "/auth/error"
	}
	return &Manager{
		sessions: sessions,
		oauth:    oauth,
		flow:     flow,
		users:    dir,
		opts:     opts,
	}
}

// RegisterRoutes は /auth 配下に認証エンドポイントを登録します。
// stateMW には StateSessions のミドルウェアを渡します。
func (m *Manager) RegisterRoutes(r gin.IRouter, stateMW gin.HandlerFunc) {
	g := r.Group("/auth")
	g.GET("/login", stateMW, m.Login)
	g.GET("/callback", stateMW, m.Callback)
	g.GET("/status", m.Status)
	g.GET("/profile", m.RequireLogin(), m.Profile)
	g.POST("/logout", m.RequireLogin(), m.Logout)
	g.POST("/refresh", m.RequireLogin(), m.Refresh)
	g.GET("/error", m.Error)
}

// Login は IdP の認可 URL にリダイレクトします。
func (m *Manager) Login(c *gin.Context) {
	state, err := newState()
	if err == nil {
		err = saveState(c, state)
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("failed to store oauth state", zap.Error(err))
		c.Redirect(http.StatusFound, m.opts.ErrorPath)
		return
	}
	c.Redirect(http.StatusFound, m.oauth.AuthCodeURL(state))
}

// Callback は認可コードフローを完了させます。結果は常にリダイレクトで、
// 成功ならフロントエンド、失敗ならエラーページに遷移します。
func (m *Manager) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.From(ctx).Named("auth")

	fail := func(step CallbackState, err error) {
		metrics.Callbacks.WithLabelValues(string(StateFailed)).Inc()
		log.Warn("oauth callback failed", zap.String("step", string(step)), zap.Error(err))
		c.Redirect(http.StatusFound, m.opts.ErrorPath)
	}

	expected := consumeState(c)
	if reason := c.Query("error"); reason != "" {
		fail(StateAwaitingProvider, fmt.Errorf("provider returned error %q", reason))
		return
	}
	got := c.Query("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		fail(StateAwaitingProvider, errStateMismatch)
		return
	}
	code := c.Query("code")
	if code == "" {
		fail(StateAwaitingProvider, errors.New("missing authorization code"))
		return
	}

	tokens, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		fail(StateAwaitingProvider, err)
		return
	}

	rec, _, err := m.flow.Run(ctx, tokens)
	if err != nil {
		step := StateTokenExchanged
		var ce *CallbackError
		if errors.As(err, &ce) {
			step = ce.Step
		}
		fail(step, err)
		return
	}

	if err := m.sessions.Establish(c, rec); err != nil {
		fail(StateUserReconciled, err)
		return
	}

	metrics.Callbacks.WithLabelValues(string(StateSessionEstablished)).Inc()
	log.Info("session established", zap.String("user_id", rec.User.ID))
	c.Redirect(http.StatusFound, m.opts.FrontendURL)
}

// Status は認証済みかどうかを返します。常に 200 を返します。
func (m *Manager) Status(c *gin.Context) {
	user := m.sessions.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusOK, gin.H{"isAuthenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"isAuthenticated": true, "user": user})
}

// Profile はセッションに対応するローカルユーザーを返します。
func (m *Manager) Profile(c *gin.Context) {
	current := mustUser(c)
	user, err := m.users.GetByID(c.Request.Context(), current.ID)
	switch {
	case errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "USER_NOT_FOUND",
			"message": "User not found",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "PROFILE_LOOKUP_FAILED",
			"message": "Failed to load profile",
		})
	default:
		c.JSON(http.StatusOK, user)
	}
}

// Logout はセッションを破棄し、クッキーを消します。
func (m *Manager) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	user := mustUser(c)

	if err := m.sessions.Destroy(c); err != nil {
		logger.From(ctx).Error("session destroy failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_DESTROY_FAILED",
			"message": "Logout failed",
		})
		return
	}
	m.users.Logout(ctx, user.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// Refresh は未実装です。IdP のトークンは更新しません。
func (m *Manager) Refresh(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Token refresh not yet implemented"})
}

// Error はコールバック失敗時の遷移先です。
func (m *Manager) Error(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"message": "Authentication failed"})
}

// RequireLogin は認証済みセッションのないリクエストを拒否します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := m.sessions.CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Not authenticated",
			})
			return
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// RequireRole は認証済みユーザーならすべて通します（ユーザーはまだロールを持たない）。
// TODO: ローカルユーザーにロールを保存したらここで確認する
func (m *Manager) RequireRole(_ ...string) gin.HandlerFunc {
	return m.RequireLogin()
}

func mustUser(c *gin.Context) *session.User {
	v, _ := c.Get(ContextUserKey)
	u, _ := v.(*session.User)
	if u == nil {
		u = &session.User{}
	}
	return u
}
