package locking

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewController(client, slog.Default(), cfg)
}

func TestWithLockSerialisesSameKey(t *testing.T) {
	ctrl := newTestController(t, Config{MaxAttempts: 50, BaseBackoff: 2 * time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ctrl.WithLock(ctx, Key(1, 7, 3), func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside)
}

func TestWithLockRetriesDeadlock(t *testing.T) {
	ctrl := newTestController(t, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := ctrl.WithLock(ctx, Key(1, 1, 1), func(context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithLockExhaustsRetries(t *testing.T) {
	ctrl := newTestController(t, Config{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := ctrl.WithLock(ctx, Key(1, 1, 1), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	})
	require.ErrorIs(t, err, shared.ErrConcurrencyExhausted)
	require.Equal(t, 2, calls)
}

func TestWithLockDoesNotRetryBusinessErrors(t *testing.T) {
	ctrl := newTestController(t, Config{MaxAttempts: 5, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	calls := 0
	sentinel := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	err := ctrl.WithLock(ctx, Key(2, 2, 2), func(context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}
