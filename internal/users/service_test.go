package users

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KukuhKKH/diagram/internal/profile"
)

// countingRepo は経由した書き込みを記録します。
type countingRepo struct {
	Repository
	creates int
	updates []Changes

	failFind   error
	failCreate error
	failUpdate error
}

func (r *countingRepo) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	if r.failFind != nil {
		return nil, r.failFind
	}
	return r.Repository.FindByExternalID(ctx, externalID)
}

func (r *countingRepo) Create(ctx context.Context, u *User) (*User, error) {
	if r.failCreate != nil {
		return nil, r.failCreate
	}
	r.creates++
	return r.Repository.Create(ctx, u)
}

func (r *countingRepo) Update(ctx context.Context, id string, c Changes) (*User, error) {
	if r.failUpdate != nil {
		return nil, r.failUpdate
	}
	r.updates = append(r.updates, c)
	return r.Repository.Update(ctx, id, c)
}

func newCountingService() (*Service, *countingRepo) {
	repo := &countingRepo{Repository: NewMemoryRepository()}
	return NewService(repo), repo
}

func TestReconcileCreatesUser(t *testing.T) {
	svc, repo := newCountingService()
	ctx := context.Background()

	u, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "u1", u.ExternalID)
	assert.Equal(t, "a@x.com", u.Email)
	assert.Empty(t, u.Name)
	assert.Equal(t, 1, repo.creates)
	assert.Empty(t, repo.updates)
}

func TestReconcileIsIdempotent(t *testing.T) {
	svc, repo := newCountingService()
	ctx := context.Background()
	p := profile.Canonical{ID: "u1", Email: "a@x.com", Name: "Ann", Picture: "https://img/a.png"}

	first, err := svc.Reconcile(ctx, p)
	require.NoError(t, err)
	second, err := svc.Reconcile(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.creates)
	assert.Empty(t, repo.updates, "an unchanged profile must not write")
}

// staleRepo は検索で必ず見つからないと返します。
// 検索と追加の間に別のログインが同じ subject を追加した状況を再現します。
type staleRepo struct {
	*countingRepo
}

func (r staleRepo) FindByExternalID(context.Context, string) (*User, error) {
	return nil, ErrNotFound
}

func TestReconcileConcurrentFirstLogin(t *testing.T) {
	svc, repo := newCountingService()
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com"})
	require.NoError(t, err)

	second, err := NewService(staleRepo{repo}).Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err, "losing the insert race must not fail the login")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ann", second.Name)
	require.Len(t, repo.updates, 1)
}

func TestMemoryCreateReturnsExistingUser(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a, err := repo.Create(ctx, &User{ExternalID: "u1", Email: "a@x.com"})
	require.NoError(t, err)
	b, err := repo.Create(ctx, &User{ExternalID: "u1", Email: "other@x.com"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "a@x.com", b.Email)
}

func TestReconcilePartialUpdate(t *testing.T) {
	svc, repo := newCountingService()
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com", Name: "Ann", Picture: "p1"})
	require.NoError(t, err)

	u, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com", Name: "Anne"})
	require.NoError(t, err)

	require.Len(t, repo.updates, 1)
	c := repo.updates[0]
	assert.Nil(t, c.Email)
	assert.Nil(t, c.AvatarURL, "missing picture must not clear the stored avatar")
	require.NotNil(t, c.Name)
	assert.Equal(t, "Anne", *c.Name)

	assert.Equal(t, "Anne", u.Name)
	assert.Equal(t, "p1", u.AvatarURL)
	assert.Equal(t, "a@x.com", u.Email)
}

func TestReconcileNeverOverwritesWithEmpty(t *testing.T) {
	svc, repo := newCountingService()
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err)

	u, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, repo.updates)
	assert.Equal(t, "a@x.com", u.Email)
	assert.Equal(t, "Ann", u.Name)
}

func TestReconcilePersistenceErrorsAreOpaque(t *testing.T) {
	cause := errors.New("pq: connection refused on 10.0.0.5")
	tests := []struct {
		name string
		seed bool
		set  func(r *countingRepo)
	}{
		{"find", false, func(r *countingRepo) { r.failFind = cause }},
		{"create", false, func(r *countingRepo) { r.failCreate = cause }},
		{"update", true, func(r *countingRepo) { r.failUpdate = cause }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newCountingService()
			ctx := context.Background()
			if tt.seed {
				_, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Name: "old"})
				require.NoError(t, err)
			}
			tt.set(repo)

			_, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Name: "new"})
			require.ErrorIs(t, err, ErrPersistence)
			assert.NotErrorIs(t, err, cause)
			assert.NotContains(t, err.Error(), "10.0.0.5")
		})
	}
}

func TestGetByID(t *testing.T) {
	svc, _ := newCountingService()
	ctx := context.Background()

	created, err := svc.Reconcile(ctx, profile.Canonical{ID: "u1", Email: "a@x.com"})
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = svc.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryRejectsDuplicateExternalID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, &User{ExternalID: "u1"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &User{ExternalID: "u1"})
	require.Error(t, err)

	_, err = repo.Update(ctx, "nope", Changes{})
	require.ErrorIs(t, err, ErrNotFound)
}
