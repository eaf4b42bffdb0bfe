package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// FallbackLifetime はクッキーに有効期限がない場合の寿命です。
	FallbackLifetime = 24 * time.Hour
	// MinRemoteTTL はキー単位の TTL を持つバックエンドの下限値です。
	MinRemoteTTL = 60 * time.Second
)

var (
	// ErrNotFound はセッション ID に有効なレコードが存在しないことを表します。
	ErrNotFound = errors.New("session: not found")
	// ErrUnavailable はバックエンドに接続できないことを表します。
	ErrUnavailable = errors.New("session: store unavailable")
)

// StoreError はバックエンドの失敗を操作名とともに保持します。
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store はセッション ID 単位でレコードを保存します。
// 実装は並行呼び出しに対して安全でなければなりません。
type Store interface {
	// Backend は実装名（"local", "redis"）を返します。
	Backend() string

	// Set は sid のレコードを置き換えます。呼び出し側は完全なレコードを渡します。
	Set(ctx context.Context, sid string, rec *Record) error

	// Get は sid の有効なレコードか ErrNotFound を返します。
	// 期限切れのレコードは返さず、その場で削除します。
	Get(ctx context.Context, sid string) (*Record, error)

	// Destroy は sid を削除します。存在しない sid でもエラーにしません。
	Destroy(ctx context.Context, sid string) error

	// Touch は rec のクッキー情報が示す期限まで sid の有効期限を延長します。
	// 変わるのは保存済みレコードのクッキー期限と ExpiresAt だけで、他はそのままです。
	// sid が存在しなければ何もしません（新規作成はしない）。
	Touch(ctx context.Context, sid string, rec *Record) error

	// ClearExpired は期限切れのレコードをすべて削除し、削除件数を返します。
	ClearExpired(ctx context.Context) (int, error)
}

// EvictionDeadline は rec が論理的に存在しなくなる時刻です。
// クッキー期限があればそれ、なければ now + FallbackLifetime で、rec.ExpiresAt が上限になります。
func EvictionDeadline(rec *Record, now time.Time) time.Time {
	return deadline(rec.Cookie.Expires, rec.ExpiresAt, now)
}

// TTL はリモートバックエンド用のキー寿命です。MinRemoteTTL を下回りません。
func TTL(rec *Record, now time.Time) time.Duration {
	ttl := EvictionDeadline(rec, now).Sub(now).Truncate(time.Second)
	if ttl < MinRemoteTTL {
		return MinRemoteTTL
	}
	return ttl
}

// Expired は now 時点で rec が期限切れかどうかを返します。
func Expired(rec *Record, now time.Time) bool {
	return now.After(EvictionDeadline(rec, now))
}

// slide は now 時点のアクセスを rec に反映します。
// クッキー期限を差し替え、ExpiresAt をその期限まで進めます（巻き戻しはしない）。
func slide(rec *Record, cookieExpires *time.Time, now time.Time) {
	if cookieExpires != nil {
		exp := *cookieExpires
		rec.Cookie.Expires = &exp
	}
	if rec.ExpiresAt.IsZero() {
		return
	}
	if next := deadline(rec.Cookie.Expires, time.Time{}, now); next.After(rec.ExpiresAt) {
		rec.ExpiresAt = next
	}
}

func deadline(cookieExpires *time.Time, expiresAt time.Time, now time.Time) time.Time {
	d := now.Add(FallbackLifetime)
	if cookieExpires != nil && !cookieExpires.IsZero() {
		d = *cookieExpires
	}
	if !expiresAt.IsZero() && expiresAt.Before(d) {
		d = expiresAt
	}
	return d
}
