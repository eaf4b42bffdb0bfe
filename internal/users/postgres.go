package users

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const (
	maxPoolConns = 8
	userColumns  = `id::text, external_id, COALESCE(email, ''), COALESCE(name, ''), COALESCE(avatar_url, ''), created_at, updated_at`
)

// PostgresRepository はユーザーを PostgreSQL に保存します。
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository は dsn の接続プールを開き、スキーマを適用します。
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("users: parse database url: %w", err)
	}
	if pcfg.MaxConns == 0 || pcfg.MaxConns > maxPoolConns {
		pcfg.MaxConns = maxPoolConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("users: open pool: %w", err)
	}
	r := &PostgresRepository{pool: pool}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Migrate は users テーブルがなければ作成します。
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("users: apply schema: %w", err)
	}
	return nil
}

// Ping は接続を確認します。
func (r *PostgresRepository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// Close は接続プールを解放します。
func (r *PostgresRepository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

func (r *PostgresRepository) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE external_id = $1`
	return scanUser(r.pool.QueryRow(ctx, q, externalID))
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id::text = $1`
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

// Create は u を追加します。同じ外部 ID が先に作成されていた場合は既存の行を返します。
func (r *PostgresRepository) Create(ctx context.Context, u *User) (*User, error) {
	q := `INSERT INTO users (external_id, email, name, avatar_url)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
ON CONFLICT (external_id) DO NOTHING
RETURNING ` + userColumns
	created, err := scanUser(r.pool.QueryRow(ctx, q, u.ExternalID, u.Email, u.Name, u.AvatarURL))
	if errors.Is(err, ErrNotFound) {
		return r.FindByExternalID(ctx, u.ExternalID)
	}
	return created, err
}

func (r *PostgresRepository) Update(ctx context.Context, id string, c Changes) (*User, error) {
	if c.Empty() {
		return r.FindByID(ctx, id)
	}
	q, args := updateStatement(id, c)
	return scanUser(r.pool.QueryRow(ctx, q, args...))
}

// updateStatement は c に対応する部分 UPDATE を組み立てます。
// プレースホルダーはセットした順に番号を振り、id は常に最後です。
func updateStatement(id string, c Changes) (string, []any) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 4)
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	add("email", c.Email)
	add("name", c.Name)
	add("avatar_url", c.AvatarURL)
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	q := `UPDATE users SET ` + strings.Join(sets, ", ") +
		` WHERE id::text = $` + strconv.Itoa(len(args)) + ` RETURNING ` + userColumns
	return q, args
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
