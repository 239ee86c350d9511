package runlock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MySQL locks runs with GET_LOCK. MySQL named locks belong to a session, so
// every lease pins its own connection until released.
type MySQL struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMySQL(db *sql.DB, logger *zap.Logger) *MySQL {
	return &MySQL{db: db, logger: logger}
}

// lockName keeps names within the 64 character limit of GET_LOCK.
func lockName(runID string) string {
	return "run:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID)).String()
}

func (l *MySQL) Acquire(ctx context.Context, runID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	// GET_LOCK 返回值: 1-成功获取锁, 0-超时, NULL-错误
	name := lockName(runID)
	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&result); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !result.Valid {
		_ = conn.Close()
		return nil, fmt.Errorf("lock query returned NULL")
	}
	if result.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrAlreadyRunning
	}

	l.logger.Debug("acquired run lock", zap.String("run_id", runID), zap.String("lock_name", name))
	return func() {
		// 释放锁时不使用请求的 ctx，请求结束后仍需释放
		var released sql.NullInt64
		if err := conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", name).Scan(&released); err != nil {
			l.logger.Error("failed to release run lock", zap.String("run_id", runID), zap.Error(err))
		}
		if err := conn.Close(); err != nil {
			l.logger.Warn("failed to close lock connection", zap.Error(err))
		}
	}, nil
}
