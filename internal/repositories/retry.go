package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213

	defaultTxAttempts = 3
	txRetryBackoff    = 20 * time.Millisecond
)

// isRetryableTxError reports whether MySQL rolled the transaction back because of lock contention
func isRetryableTxError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	return mysqlErr.Number == mysqlErrDeadlock || mysqlErr.Number == mysqlErrLockWaitTimeout
}

// withTxRetry runs fn up to "attempts" times while it fails with a deadlock or lock wait timeout
func withTxRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !isRetryableTxError(err) || attempt == attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return err
}
