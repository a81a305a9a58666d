package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/cenkalti/backoff/v5"
)

const maxRetries = 3

// busyBackOff 100ms 起步翻倍，不加抖动
func busyBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Second
	return bo
}

// withRetry 只有 SQLITE_BUSY 才重试，其它错误立即返回
func withRetry(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !guarderr.IsBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(busyBackOff()), backoff.WithMaxTries(maxRetries))
	return err
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
