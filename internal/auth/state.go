package auth

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
)

const (
	stateCookieName = "diagram_oauth"
	sessionKeyState = "oauth_state"
	stateMaxAge     = 600 // 秒
)

var errStateMismatch = errors.New("oauth state missing or mismatched")

// StateSessions は使い捨ての OAuth state を、短命の署名付きクッキーで
// /auth/login から /auth/callback へ受け渡すミドルウェアを返します。
func StateSessions(secret string, secure bool) gin.HandlerFunc {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/auth",
		MaxAge:   stateMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sessions.Sessions(stateCookieName, store)
}

func newState() (string, error) {
	b := securecookie.GenerateRandomKey(16)
	if b == nil {
		return "", errors.New("failed to generate oauth state")
	}
	return hex.EncodeToString(b), nil
}

func saveState(c *gin.Context, state string) error {
	s := sessions.Default(c)
	s.Set(sessionKeyState, state)
	return s.Save()
}

// consumeState は保存された state を返し、再利用できないよう削除します。
func consumeState(c *gin.Context) string {
	s := sessions.Default(c)
	state, _ := s.Get(sessionKeyState).(string)
	s.Delete(sessionKeyState)
	s.Options(sessions.Options{Path: "/auth", MaxAge: -1})
	_ = s.Save()
	return state
}
