package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/session"
)

const (
	DefaultCookieName = "diagram_session"
	DefaultMaxAge     = 24 * time.Hour

	handleKey = "auth.session"
)

// ErrUnauthenticated はリクエストに認証済みセッションがないことを表します。
var ErrUnauthenticated = errors.New("auth: not authenticated")

// CookieOptions はセッションクッキーの設定可能な属性です。
// HttpOnly・SameSite=Lax・Path=/ は固定です。
type CookieOptions struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// Coordinator はリクエストごとに、署名付きセッションクッキーと session.Store を結び付けます。
type Coordinator struct {
	store  session.Store
	codec  *securecookie.SecureCookie
	cookie CookieOptions
	now    func() time.Time
}

// handle は gin のコンテキストに置くリクエスト単位のセッション状態です。
type handle struct {
	sid    string
	rec    *session.Record
	loaded bool // このリクエストでストアから読み込んだ
	dirty  bool // 変更済みで未保存
}

// NewCoordinator は secret でクッキー値に署名します。
func NewCoordinator(store session.Store, secret string, opts CookieOptions) *Coordinator {
	if opts.Name == "" {
		opts.Name = DefaultCookieName
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	codec := securecookie.New([]byte(secret), nil)
	codec.MaxAge(int(opts.MaxAge.Seconds()))

	return &Coordinator{
		store:  store,
		codec:  codec,
		cookie: opts,
		now:    time.Now,
	}
}

// Store は背後のストアを返します。
func (co *Coordinator) Store() session.Store { return co.store }

// Middleware はハンドラーの前にクッキーが示すセッションを読み込みます。
// ハンドラーの後は、読み込んだだけのレコードなら Touch で期限を延ばし、
// 変更されたまま保存されていないレコードなら書き戻します。
func (co *Coordinator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		h := &handle{}
		c.Set(handleKey, h)

		if sid, ok := co.readCookie(c); ok {
			rec, err := co.store.Get(ctx, sid)
			switch {
			case err == nil:
				h.sid, h.rec, h.loaded = sid, rec, true
				// クッキーの再発行（ハンドラーが書き込む前にヘッダーを設定する必要がある）
				if err := co.writeCookie(c, sid); err != nil {
					logger.From(ctx).Error("failed to sign session cookie", zap.Error(err))
				}
			case errors.Is(err, session.ErrNotFound):
			default:
				logger.From(ctx).Warn("session lookup failed, continuing unauthenticated", zap.Error(err))
			}
		}

		c.Next()

		co.finish(c, h)
	}
}

func (co *Coordinator) finish(c *gin.Context, h *handle) {
	if h.rec == nil || h.sid == "" {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	log := logger.From(ctx)

	if h.dirty {
		if err := co.store.Set(ctx, h.sid, h.rec); err != nil {
			log.Error("failed to persist session after request", zap.Error(err))
			_ = c.Error(err)
		}
		h.dirty = false
		return
	}
	if h.loaded {
		touched := h.rec.Clone()
		touched.Cookie = co.cookieMeta(co.now())
		if err := co.store.Touch(ctx, h.sid, touched); err != nil {
			log.Warn("failed to extend session expiry", zap.Error(err))
			_ = c.Error(err)
		}
	}
}

// Current はリクエストのセッションレコードのコピー、なければ nil を返します。
func (co *Coordinator) Current(c *gin.Context) *session.Record {
	h := co.handle(c)
	if h == nil || h.rec == nil {
		return nil
	}
	return h.rec.Clone()
}

// CurrentUser は認証済みユーザー、なければ nil を返します。
func (co *Coordinator) CurrentUser(c *gin.Context) *session.User {
	rec := co.Current(c)
	if !rec.Authenticated() {
		return nil
	}
	return rec.User
}

// Establish は新しいセッション ID で rec を保存してクッキーを設定し、
// リクエスト時点のセッションがあれば破棄します。
func (co *Coordinator) Establish(c *gin.Context, rec *session.Record) error {
	h := co.handle(c)
	if h == nil {
		h = &handle{}
		c.Set(handleKey, h)
	}
	ctx := c.Request.Context()

	sid, err := session.GenerateID()
	if err != nil {
		return err
	}
	next := rec.Clone()
	next.ID = sid
	next.Cookie = co.cookieMeta(co.now())

	if err := co.store.Set(ctx, sid, next); err != nil {
		return err
	}
	if h.sid != "" && h.sid != sid {
		if err := co.store.Destroy(ctx, h.sid); err != nil {
			logger.From(ctx).Warn("failed to destroy previous session", zap.Error(err))
		}
	}

	if err := co.writeCookie(c, sid); err != nil {
		_ = co.store.Destroy(ctx, sid)
		return err
	}
	h.sid, h.rec, h.loaded, h.dirty = sid, next, false, false
	return nil
}

// Mutate はリクエストのレコードに fn を適用します。
// 変更は Save かハンドラー終了後に保存されます。
func (co *Coordinator) Mutate(c *gin.Context, fn func(rec *session.Record)) error {
	h := co.handle(c)
	if h == nil || h.rec == nil {
		return ErrUnauthenticated
	}
	fn(h.rec)
	h.dirty = true
	return nil
}

// Save はレコードをその場で保存し、ストアの失敗を呼び出し側に返します。
func (co *Coordinator) Save(c *gin.Context) error {
	h := co.handle(c)
	if h == nil || h.rec == nil {
		return ErrUnauthenticated
	}
	if err := co.store.Set(c.Request.Context(), h.sid, h.rec); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// Destroy はセッションをストアから削除し、クッキーを消します。
// ストアの失敗時はクッキーを残します。
func (co *Coordinator) Destroy(c *gin.Context) error {
	h := co.handle(c)
	if h != nil && h.sid != "" {
		if err := co.store.Destroy(c.Request.Context(), h.sid); err != nil {
			return err
		}
		*h = handle{}
	}
	co.clearCookie(c)
	return nil
}

func (co *Coordinator) handle(c *gin.Context) *handle {
	v, ok := c.Get(handleKey)
	if !ok {
		return nil
	}
	h, _ := v.(*handle)
	return h
}

func (co *Coordinator) cookieMeta(now time.Time) session.CookieMeta {
	exp := now.Add(co.cookie.MaxAge)
	return session.CookieMeta{
		Expires:  &exp,
		MaxAge:   int(co.cookie.MaxAge.Seconds()),
		HTTPOnly: true,
		Secure:   co.cookie.Secure,
		SameSite: "lax",
		Path:     "/",
	}
}

func (co *Coordinator) readCookie(c *gin.Context) (string, bool) {
	raw, err := c.Cookie(co.cookie.Name)
	if err != nil || raw == "" {
		return "", false
	}
	var sid string
	if err := co.codec.Decode(co.cookie.Name, raw, &sid); err != nil || sid == "" {
		return "", false
	}
	return sid, true
}

func (co *Coordinator) writeCookie(c *gin.Context, sid string) error {
	value, err := co.codec.Encode(co.cookie.Name, sid)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(co.cookie.Name, value, int(co.cookie.MaxAge.Seconds()), "/", "", co.cookie.Secure, true)
	return nil
}

func (co *Coordinator) clearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(co.cookie.Name, "", -1, "/", "", co.cookie.Secure, true)
}
