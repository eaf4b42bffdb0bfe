package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KukuhKKH/diagram/internal/profile"
	"github.com/KukuhKKH/diagram/internal/provider"
	"github.com/KukuhKKH/diagram/internal/session"
)

// CallbackState は OAuth コールバック処理の段階です。
type CallbackState string

const (
	StateAwaitingProvider   CallbackState = "AWAITING_PROVIDER_RESPONSE"
	StateTokenExchanged     CallbackState = "TOKEN_EXCHANGED"
	StateProfileFetched     CallbackState = "PROFILE_FETCHED"
	StateProfileValidated   CallbackState = "PROFILE_VALIDATED"
	StateUserReconciled     CallbackState = "USER_RECONCILED"
	StateSessionEstablished CallbackState = "SESSION_ESTABLISHED"
	StateFailed             CallbackState = "FAILED"
)

// DefaultTokenLifetime は IdP が expires_in を返さない場合の有効期間です。
const DefaultTokenLifetime = 3600 * time.Second

// TokenExchanger は認可 URL の生成とコード交換を行います。
type TokenExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (provider.Tokens, error)
}

// ProfileFetcher は IdP の userinfo エンドポイントを呼び出します。
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (any, error)
}

// Reconciler は検証済みプロファイルをローカルユーザーに対応付けます。
type Reconciler interface {
	Reconcile(ctx context.Context, p profile.Canonical) (*session.User, error)
}

// CallbackError は処理が失敗した段階を記録します。
type CallbackError struct {
	Step CallbackState
	Err  error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("auth: callback failed after %s: %v", e.Step, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// CallbackFlow はコード交換後の処理を担います。
// プロファイルの取得・検証、ユーザーの突き合わせ、セッションレコードの構築を行います。
// ストアには書き込まないため、失敗や中断でレコードが残ることはありません。
type CallbackFlow struct {
	profiles ProfileFetcher
	users    Reconciler
	now      func() time.Time
}

// NewCallbackFlow は依存先を受け取って CallbackFlow を作成します。
func NewCallbackFlow(profiles ProfileFetcher, users Reconciler) *CallbackFlow {
	return &CallbackFlow{profiles: profiles, users: users, now: time.Now}
}

// Run はコード交換で得たトークンから、確立可能な完全なレコードを返します。
// 失敗時の状態は StateFailed で、エラーは最後に成功した段階を持つ *CallbackError です。
func (f *CallbackFlow) Run(ctx context.Context, tokens provider.Tokens) (*session.Record, CallbackState, error) {
	state := StateTokenExchanged
	fail := func(err error) (*session.Record, CallbackState, error) {
		return nil, StateFailed, &CallbackError{Step: state, Err: err}
	}

	if tokens.AccessToken == "" {
		return fail(errors.New("no access token"))
	}

	raw, err := f.profiles.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		return fail(err)
	}
	state = StateProfileFetched

	p, err := profile.Validate(raw)
	if err != nil {
		return fail(err)
	}
	state = StateProfileValidated

	user, err := f.users.Reconcile(ctx, p)
	if err != nil {
		return fail(err)
	}
	state = StateUserReconciled

	now := f.now()
	lifetime := DefaultTokenLifetime
	if tokens.ExpiresIn > 0 {
		lifetime = time.Duration(tokens.ExpiresIn) * time.Second
	}
	return &session.Record{
		User:         user,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(lifetime),
	}, state, nil
}
