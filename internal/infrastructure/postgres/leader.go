package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Leader keys the scheduler singleton on a session-level advisory lock. The
// lock lives on a dedicated connection: it is held while the connection is,
// which makes a crashed leader's lock vanish with its session.
type Leader struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

func NewLeader(pool *pgxpool.Pool, key string) *Leader {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &Leader{pool: pool, key: int64(h.Sum64())}
}

// TryLead attempts to take (or confirm) the advisory lock. Non-blocking;
// losers get false and should sleep a tick.
func (l *Leader) TryLead(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire conn: %w", err)
		}
		l.conn = conn
	}

	var got bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		l.conn.Release()
		l.conn = nil
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	return got, nil
}

func (l *Leader) Unlead(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
