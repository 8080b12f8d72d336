package locker

import (
	"context"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Postgres implements Locker on top of session-scoped advisory locks. The
// lock dies with its session, so a crashed worker can never leave a lock
// permanently stuck.
type Postgres struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgres(db *gorm.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.Named("locker")}
}

func (l *Postgres) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, false, fmt.Errorf("obtaining sql connection pool: %w", err)
	}

	// Advisory locks are session-scoped, so the lock and unlock must run on
	// the same pinned connection.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("pinning connection for advisory lock: %w", err)
	}

	key := lockKey(name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("acquiring advisory lock %q: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			l.logger.Warn("failed to release advisory lock", zap.String("name", name), zap.Error(err))
		}
		_ = conn.Close()
	}
	return release, true, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
