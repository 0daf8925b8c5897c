package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// Postgres error codes treated as transient.
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
)

// State labels one keyed acquisition's position in its lifecycle. It is
// reported through logs so retry behaviour stays observable.
type State string

const (
	// StateIdle means no lock is held for the key.
	StateIdle State = "idle"
	// StateLocked means the key lock is held and the critical section runs.
	StateLocked State = "locked"
	// StateCommitting means the critical section finished and the lock is being released.
	StateCommitting State = "committing"
	// StateAborted means the attempt failed with a transient conflict and will be retried.
	StateAborted State = "aborted"
)

// Config tunes lock acquisition and retry behaviour.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

// Controller serialises mutating ledger operations per (product, warehouse,
// company) key. Conflicts are retried with bounded exponential backoff; a
// store-level deadlock is retried as well, since deadlocks are transient, but
// logged distinctly for observability.
type Controller struct {
	locker      *redislock.Client
	logger      *slog.Logger
	ttl         time.Duration
	maxAttempts int
	baseBackoff time.Duration
}

// NewController builds the controller on top of a redis client.
func NewController(client redis.UniversalClient, logger *slog.Logger, cfg Config) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	return &Controller{
		locker:      redislock.New(client),
		logger:      logger,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
	}
}

// Key builds the lock key for one FIFO queue.
func Key(companyID, productID, warehouseID int64) string {
	return fmt.Sprintf("ledger:%d:%d:%d", companyID, productID, warehouseID)
}

// WithLock runs fn while holding the key lock. The surrounding transaction
// must live entirely inside fn so the consumption stays atomic. After
// exhausting retries the error wraps shared.ErrConcurrencyExhausted.
func (c *Controller) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if c == nil {
		return errors.New("locking: controller not initialised")
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lock, err := c.locker.Obtain(ctx, key, c.ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			lastErr = err
			c.logger.Debug("lock contention",
				slog.String("key", key),
				slog.String("state", string(StateAborted)),
				slog.Int("attempt", attempt))
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("locking: obtain %s: %w", key, err)
		}

		c.logger.Debug("lock acquired", slog.String("key", key), slog.String("state", string(StateLocked)))
		runErr := fn(ctx)
		if relErr := lock.Release(ctx); relErr != nil && !errors.Is(relErr, redislock.ErrLockNotHeld) {
			c.logger.Warn("lock release", slog.String("key", key), slog.Any("error", relErr))
		}

		if runErr == nil {
			c.logger.Debug("lock committed", slog.String("key", key), slog.String("state", string(StateCommitting)))
			return nil
		}
		if !IsTransient(runErr) {
			return runErr
		}
		lastErr = runErr
		if isDeadlock(runErr) {
			c.logger.Warn("store deadlock, retrying",
				slog.String("key", key),
				slog.String("state", string(StateAborted)),
				slog.Int("attempt", attempt),
				slog.Any("error", runErr))
		} else {
			c.logger.Debug("write conflict, retrying",
				slog.String("key", key),
				slog.String("state", string(StateAborted)),
				slog.Int("attempt", attempt))
		}
		if err := c.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("locking: key %s after %d attempts (%v): %w", key, c.maxAttempts, lastErr, shared.ErrConcurrencyExhausted)
}

func (c *Controller) backoff(ctx context.Context, attempt int) error {
	delay := c.baseBackoff << (attempt - 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// IsTransient reports whether err is a conflict worth retrying: lock
// contention or a store deadlock/serialization failure.
func IsTransient(err error) bool {
	if errors.Is(err, redislock.ErrNotObtained) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDeadlockDetected, pgSerializationFailure, pgLockNotAvailable:
			return true
		}
	}
	return false
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgDeadlockDetected
}
