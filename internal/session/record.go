// Package session はサーバーサイドセッションのモデルと保存先を提供します。
//
// Record はブラウザのクッキーが持つ不透明なセッション ID をキーに保存されます。
// IdP のトークンはブラウザには渡さず、Record の中だけに置きます。
package session

import (
	"errors"
	"time"
)

// User は認証済みセッションに埋め込むユーザー情報です。
type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
}

// CookieMeta はクッキーの属性を写したものです。ストアを経由しても失われません。
type CookieMeta struct {
	Expires  *time.Time `json:"expires,omitempty"`
	MaxAge   int        `json:"maxAge,omitempty"` // 秒
	HTTPOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite string     `json:"sameSite,omitempty"`
	Path     string     `json:"path,omitempty"`
}

// Record はセッション ID ごとに保存される状態です。
type Record struct {
	ID           string     `json:"sessionId"`
	User         *User      `json:"user,omitempty"`
	AccessToken  string     `json:"providerAccessToken,omitempty"`
	RefreshToken string     `json:"providerRefreshToken,omitempty"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Cookie       CookieMeta `json:"cookie"`
}

// ErrInvalidRecord は不変条件を満たさないレコードを Set したときに返ります。
var ErrInvalidRecord = errors.New("session: invalid record")

// Authenticated はレコードがユーザーを持つかどうかを返します。
// 認証前のレコードは有効ですが、認証済みにはなりません。
func (r *Record) Authenticated() bool {
	return r != nil && r.User != nil && r.User.ID != ""
}

// Clone はディープコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.User != nil {
		u := *r.User
		c.User = &u
	}
	if r.Cookie.Expires != nil {
		t := *r.Cookie.Expires
		c.Cookie.Expires = &t
	}
	return &c
}

func (r *Record) validate() error {
	if r == nil {
		return ErrInvalidRecord
	}
	if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(r.IssuedAt) {
		return ErrInvalidRecord
	}
	return nil
}
