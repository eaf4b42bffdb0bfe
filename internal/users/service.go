package users

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/profile"
	"github.com/KukuhKKH/diagram/internal/session"
)

// Service は IdP のプロファイルとローカルユーザーを突き合わせます。
type Service struct {
	repo Repository
}

// NewService は repo をラップします。
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Reconcile は p に対応するローカルユーザーを検索または作成し、メール・名前・アバターを最新にします。
// p に空でない値があり、保存値と異なる項目だけを書き込むため、変化がなければ書き込みは発生しません。
// 保存処理の失敗はログに残し、ErrPersistence として返します。
func (s *Service) Reconcile(ctx context.Context, p profile.Canonical) (*session.User, error) {
	log := logger.From(ctx).Named("users")

	u, err := s.repo.FindByExternalID(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		u, err = s.repo.Create(ctx, &User{
			ExternalID: p.ID,
			Email:      p.Email,
			Name:       p.Name,
			AvatarURL:  p.Picture,
		})
		if err != nil {
			log.Error("failed to create user", zap.Error(err))
			return nil, ErrPersistence
		}
		// 同時ログインで先に行が作られていた場合も、下の差分でこのプロファイルを反映する
		log.Info("created user", zap.String("user_id", u.ID))

	case err != nil:
		log.Error("failed to look up user", zap.Error(err))
		return nil, ErrPersistence
	}

	changes := diff(u, p)
	if changes.Empty() {
		return u.SessionUser(), nil
	}

	u, err = s.repo.Update(ctx, u.ID, changes)
	if err != nil {
		log.Error("failed to update user", zap.Error(err))
		return nil, ErrPersistence
	}
	log.Info("updated user profile", zap.String("user_id", u.ID))
	return u.SessionUser(), nil
}

// GetByID は保存済みユーザーをセッション用の形で返します。
// 存在しなければ ErrNotFound、それ以外の失敗は ErrPersistence です。
func (s *Service) GetByID(ctx context.Context, id string) (*session.User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.From(ctx).Named("users").Error("failed to get user", zap.String("user_id", id), zap.Error(err))
		return nil, ErrPersistence
	}
	return u.SessionUser(), nil
}

// Logout は userID のセッション終了を記録します。
// TODO: トークンエンドポイントが失効に対応したらリフレッシュトークンを失効させる
func (s *Service) Logout(ctx context.Context, userID string) {
	logger.From(ctx).Named("users").Info("user logged out", zap.String("user_id", userID))
}

func diff(u *User, p profile.Canonical) Changes {
	var c Changes
	if p.Email != "" && p.Email != u.Email {
		c.Email = &p.Email
	}
	if p.Name != "" && p.Name != u.Name {
		c.Name = &p.Name
	}
	if p.Picture != "" && p.Picture != u.AvatarURL {
		c.AvatarURL = &p.Picture
	}
	return c
}
