package persistence

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func runLockKey(companyID string, provider types.Provider) string {
	return "directory.sync:" + companyID + ":" + string(provider)
}

// MemoryLocker serializes runs inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, companyID string, provider types.Provider) (func(), bool, error) {
	key := runLockKey(companyID, provider)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

type poolAcquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PGAdvisoryLocker holds a session-level pg advisory lock on a dedicated pool
// connection for the duration of a run, so it also guards across processes.
type PGAdvisoryLocker struct {
	pool poolAcquirer
}

func NewPGAdvisoryLocker(pool poolAcquirer) *PGAdvisoryLocker {
	return &PGAdvisoryLocker{pool: pool}
}

func (l *PGAdvisoryLocker) TryLock(ctx context.Context, companyID string, provider types.Provider) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := runLockKey(companyID, provider)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0));`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0));`, key); err != nil {
				// The lock dies with the session; drop the connection instead of reusing it.
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, true, nil
}
