package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// conflict reports whether Postgres aborted the transaction in a way a fresh
// attempt can resolve: serialization_failure or deadlock_detected.
func conflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// inTx runs fn in a transaction, starting over on conflicts. Waits double
// each attempt and are half jitter.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || attempt == maxRetries || !conflict(err) {
			return err
		}
		timer := time.NewTimer(delay/2 + rand.N(delay/2+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
