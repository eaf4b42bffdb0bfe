package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KukuhKKH/diagram/internal/metrics"
)

const (
	BackendLocal = "local"

	shardCount = 32
)

type localEntry struct {
	rec      *Record
	deadline time.Time
}

type localShard struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

// LocalStore はレコードをプロセスのメモリに保持します。
// テーブルはシャードに分割しており、異なるセッション ID の操作はほぼ競合しません。
// 同じ ID の操作はシャードのロックで直列化されます。
type LocalStore struct {
	shards [shardCount]*localShard
	now    func() time.Time
}

// LocalOption は LocalStore の設定です。
type LocalOption func(*LocalStore)

// WithLocalClock は時刻の取得元を差し替えます。
func WithLocalClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) { s.now = now }
}

// NewLocalStore は空のインメモリストアを返します。
func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &localShard{entries: make(map[string]localEntry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) shard(sid string) *localShard {
	return s.shards[xxhash.Sum64String(sid)%shardCount]
}

// Backend は Store の実装です。
func (s *LocalStore) Backend() string { return BackendLocal }

// Set は Store の実装です。
func (s *LocalStore) Set(_ context.Context, sid string, rec *Record) error {
	if err := rec.validate(); err != nil {
		metrics.ObserveStore(BackendLocal, "set", err)
		return &StoreError{Backend: BackendLocal, Op: "set", Err: err}
	}

	stored := rec.Clone()
	stored.ID = sid

	sh := s.shard(sid)
	sh.mu.Lock()
	sh.entries[sid] = localEntry{rec: stored, deadline: EvictionDeadline(stored, s.now())}
	sh.mu.Unlock()

	metrics.ObserveStore(BackendLocal, "set", nil)
	return nil
}

// Get は Store の実装です。
func (s *LocalStore) Get(_ context.Context, sid string) (*Record, error) {
	defer metrics.ObserveStore(BackendLocal, "get", nil)

	sh := s.shard(sid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[sid]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(e.deadline) {
		delete(sh.entries, sid)
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Destroy は Store の実装です。
func (s *LocalStore) Destroy(_ context.Context, sid string) error {
	sh := s.shard(sid)
	sh.mu.Lock()
	delete(sh.entries, sid)
	sh.mu.Unlock()

	metrics.ObserveStore(BackendLocal, "destroy", nil)
	return nil
}

// Touch は Store の実装です。期限切れのエントリは延長せず削除します。
// 保存済みレコードはストア専有なので、シャードのロック下でそのまま更新します。
func (s *LocalStore) Touch(_ context.Context, sid string, rec *Record) error {
	defer metrics.ObserveStore(BackendLocal, "touch", nil)

	sh := s.shard(sid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[sid]
	if !ok {
		return nil
	}
	now := s.now()
	if now.After(e.deadline) {
		delete(sh.entries, sid)
		return nil
	}

	var cookieExpires *time.Time
	if rec != nil {
		cookieExpires = rec.Cookie.Expires
	}
	slide(e.rec, cookieExpires, now)
	e.deadline = EvictionDeadline(e.rec, now)
	sh.entries[sid] = e
	return nil
}

// ClearExpired は Store の実装です。シャードを 1 つずつ全件走査します。
func (s *LocalStore) ClearExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		now := s.now()
		sh.mu.Lock()
		for sid, e := range sh.entries {
			if now.After(e.deadline) {
				delete(sh.entries, sid)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	metrics.ObserveStore(BackendLocal, "clear_expired", nil)
	return removed, nil
}

// Len は保持しているエントリ数（未掃除のものを含む）を返します。
func (s *LocalStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
