package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/metrics"
)

const (
	BackendRedis = "redis"

	pingTimeout = 2 * time.Second
)

// ConnState はリモートストアの接続状態です。
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateReady
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RedisStore は "session:<sid>" キーに TTL 付きでレコードを保存します。
// 接続が Ready でない間は、すべての操作が ErrUnavailable で即座に失敗します。
type RedisStore struct {
	client *redis.Client
	state  atomic.Int32
	now    func() time.Time
}

// RedisOption は RedisStore の設定です。
type RedisOption func(*RedisStore)

// WithRedisClock は時刻の取得元を差し替えます。
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore は client をラップします。初期状態は StateConnecting で、
// Connect か Monitor で接続を確立します。
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	s.state.Store(int32(StateConnecting))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL は redis:// URL をパースし、未接続のストアを返します。
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opt), opts...), nil
}

// Backend は Store の実装です。
func (s *RedisStore) Backend() string { return BackendRedis }

// State は現在の接続状態を返します。
func (s *RedisStore) State() ConnState {
	return ConnState(s.state.Load())
}

// Connect はサーバーに一度 PING を送り、結果を状態として記録します。
func (s *RedisStore) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.setState(StateFailed)
		return &StoreError{Backend: BackendRedis, Op: "connect", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	s.setState(StateReady)
	return nil
}

// Monitor は接続後、ctx が終わるまで interval ごとに接続を確認します。
// 切断の検知と復旧の両方をここで行います。
func (s *RedisStore) Monitor(ctx context.Context, interval time.Duration) {
	_ = s.Connect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Connect(ctx)
		}
	}
}

// Close はクライアントを解放します。
func (s *RedisStore) Close() error {
	s.setState(StateFailed)
	return s.client.Close()
}

func (s *RedisStore) setState(next ConnState) {
	prev := ConnState(s.state.Swap(int32(next)))
	if prev != next {
		logger.Named("session").Info("redis session store state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}
}

func (s *RedisStore) ready(op string) error {
	if s.State() != StateReady {
		err := &StoreError{Backend: BackendRedis, Op: op, Err: ErrUnavailable}
		metrics.ObserveStore(BackendRedis, op, err)
		return err
	}
	return nil
}

func (s *RedisStore) fail(op string, err error) error {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.setState(StateFailed)
	}
	wrapped := &StoreError{Backend: BackendRedis, Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	metrics.ObserveStore(BackendRedis, op, wrapped)
	return wrapped
}

// Set は Store の実装です。
func (s *RedisStore) Set(ctx context.Context, sid string, rec *Record) error {
	if err := s.ready("set"); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return &StoreError{Backend: BackendRedis, Op: "set", Err: err}
	}

	stored := rec.Clone()
	stored.ID = sid
	data, err := Encode(stored)
	if err != nil {
		return &StoreError{Backend: BackendRedis, Op: "set", Err: err}
	}

	if err := s.client.Set(ctx, Key(sid), data, TTL(stored, s.now())).Err(); err != nil {
		return s.fail("set", err)
	}
	metrics.ObserveStore(BackendRedis, "set", nil)
	return nil
}

// Get は Store の実装です。デコードできないペイロードや、TTL の下限内で期限を
// 過ぎたペイロードは削除して not found として扱います。
func (s *RedisStore) Get(ctx context.Context, sid string) (*Record, error) {
	if err := s.ready("get"); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, Key(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveStore(BackendRedis, "get", nil)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}

	rec, err := Decode(data)
	if err != nil {
		log := logger.From(ctx)
		log.Error("discarding undecodable session payload", zap.Error(err))
		if err := s.client.Del(ctx, Key(sid)).Err(); err != nil {
			log.Warn("failed to delete undecodable session payload", zap.Error(err))
		}
		metrics.ObserveStore(BackendRedis, "get", nil)
		return nil, ErrNotFound
	}
	if Expired(rec, s.now()) {
		if err := s.client.Del(ctx, Key(sid)).Err(); err != nil {
			return nil, s.fail("get", err)
		}
		metrics.ObserveStore(BackendRedis, "get", nil)
		return nil, ErrNotFound
	}

	metrics.ObserveStore(BackendRedis, "get", nil)
	return rec, nil
}

// Destroy は Store の実装です。
func (s *RedisStore) Destroy(ctx context.Context, sid string) error {
	if err := s.ready("destroy"); err != nil {
		return err
	}
	if err := s.client.Del(ctx, Key(sid)).Err(); err != nil {
		return s.fail("destroy", err)
	}
	metrics.ObserveStore(BackendRedis, "destroy", nil)
	return nil
}

// Touch は Store の実装です。WATCH 下で保存済みペイロードを読み直し、SET XX で書き戻します。
// 消えたキーを作り直すことはなく、同時に行われた Set のほうが優先されます。
func (s *RedisStore) Touch(ctx context.Context, sid string, rec *Record) error {
	if err := s.ready("touch"); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	key := Key(sid)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err := Decode(data)
		if err != nil {
			// 削除は Get に任せる
			return nil
		}
		now := s.now()
		if Expired(stored, now) {
			return nil
		}
		slide(stored, rec.Cookie.Expires, now)
		out, err := Encode(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetXX(ctx, key, out, TTL(stored, now))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		logger.From(ctx).Debug("session changed during touch, keeping newer write")
		err = nil
	}
	if err != nil {
		return s.fail("touch", err)
	}
	metrics.ObserveStore(BackendRedis, "touch", nil)
	return nil
}

// ClearExpired は Store の実装です。Redis は TTL でキーを消すため何もしません。
func (s *RedisStore) ClearExpired(_ context.Context) (int, error) {
	if err := s.ready("clear_expired"); err != nil {
		return 0, err
	}
	return 0, nil
}
