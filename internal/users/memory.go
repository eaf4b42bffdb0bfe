package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository はインメモリの Repository です。DB 未設定時に使います。
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byExternal map[string]string

	now func() time.Time
}

// NewMemoryRepository は空のリポジトリを返します。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]*User),
		byExternal: make(map[string]string),
		now:        time.Now,
	}
}

func (r *MemoryRepository) FindByExternalID(_ context.Context, externalID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	u := *r.byID[id]
	return &u, nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Create は u を追加します。同じ外部 ID のユーザーがいればそれを返します。
func (r *MemoryRepository) Create(_ context.Context, u *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byExternal[u.ExternalID]; exists {
		out := *r.byID[id]
		return &out, nil
	}

	now := r.now()
	stored := *u
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = &stored
	r.byExternal[stored.ExternalID] = stored.ID

	out := stored
	return &out, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, c Changes) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Email != nil {
		u.Email = *c.Email
	}
	if c.Name != nil {
		u.Name = *c.Name
	}
	if c.AvatarURL != nil {
		u.AvatarURL = *c.AvatarURL
	}
	u.UpdatedAt = r.now()

	out := *u
	return &out, nil
}
