package users

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestUpdateStatement(t *testing.T) {
	tests := []struct {
		name     string
		changes  Changes
		wantSets string
		wantArgs []any
	}{
		{
			name:     "all fields",
			changes:  Changes{Email: strPtr("a@x.com"), Name: strPtr("Ann"), AvatarURL: strPtr("p.png")},
			wantSets: "email = $1, name = $2, avatar_url = $3, updated_at = now() WHERE id::text = $4",
			wantArgs: []any{"a@x.com", "Ann", "p.png", "id-1"},
		},
		{
			name:     "name only",
			changes:  Changes{Name: strPtr("Ann")},
			wantSets: "name = $1, updated_at = now() WHERE id::text = $2",
			wantArgs: []any{"Ann", "id-1"},
		},
		{
			name:     "email and avatar",
			changes:  Changes{Email: strPtr("a@x.com"), AvatarURL: strPtr("p.png")},
			wantSets: "email = $1, avatar_url = $2, updated_at = now() WHERE id::text = $3",
			wantArgs: []any{"a@x.com", "p.png", "id-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := updateStatement("id-1", tt.changes)

			assert.Equal(t, "UPDATE users SET "+tt.wantSets+" RETURNING "+userColumns, q)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

// TestPostgresRepository は TEST_DATABASE_URL が設定されているときだけ実 DB に対して実行します。
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	repo, err := NewPostgresRepository(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	ext := "test-" + t.Name()
	_, err = repo.pool.Exec(ctx, `DELETE FROM users WHERE external_id = $1`, ext)
	require.NoError(t, err)

	created, err := repo.Create(ctx, &User{ExternalID: ext, Email: "a@x.com"})
	require.NoError(t, err)
	assert.Empty(t, created.Name)

	again, err := repo.Create(ctx, &User{ExternalID: ext, Email: "b@x.com"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "a@x.com", again.Email)

	updated, err := repo.Update(ctx, created.ID, Changes{Name: strPtr("Ann"), AvatarURL: strPtr("p.png")})
	require.NoError(t, err)
	assert.Equal(t, "Ann", updated.Name)
	assert.Equal(t, "p.png", updated.AvatarURL)
	assert.Equal(t, "a@x.com", updated.Email)

	found, err := repo.FindByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, updated.ID, found.ID)

	_, err = repo.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}
