// Package users はローカルのユーザーテーブルを IdP のプロファイルと同期させます。
package users

import (
	"context"
	"errors"
	"time"

	"github.com/KukuhKKH/diagram/internal/session"
)

var (
	// ErrNotFound は存在しないユーザーに対してリポジトリが返します。
	ErrNotFound = errors.New("users: not found")
	// ErrPersistence は保存処理の失敗時にサービスが外へ返す唯一のエラーです。
	ErrPersistence = errors.New("users: failed to process user data")
)

// User はローカルユーザーです。ExternalID は IdP の subject で、変わりません。
type User struct {
	ID         string
	ExternalID string
	Email      string
	Name       string
	AvatarURL  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionUser は u をセッションに埋め込む形に変換します。
func (u *User) SessionUser() *session.User {
	return &session.User{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Email:      u.Email,
		Name:       u.Name,
		AvatarURL:  u.AvatarURL,
	}
}

// Changes は部分更新です。nil の項目は変更しません。
type Changes struct {
	Email     *string
	Name      *string
	AvatarURL *string
}

// Empty は c が何も変更しないかどうかを返します。
func (c Changes) Empty() bool {
	return c.Email == nil && c.Name == nil && c.AvatarURL == nil
}

// Repository はユーザーを永続化します。
type Repository interface {
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	// Create は u を追加します。同じ ExternalID のユーザーが既にいれば、
	// 失敗せずにそのユーザーを返します。
	Create(ctx context.Context, u *User) (*User, error)
	Update(ctx context.Context, id string, c Changes) (*User, error)
}
