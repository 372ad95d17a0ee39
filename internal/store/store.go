// Package store opens a session store backend from a connection string.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/nostragent/internal/state"
	"github.com/user/nostragent/internal/store/postgres"
	"github.com/user/nostragent/internal/store/sqlite"
	"github.com/user/nostragent/internal/types"
)

// Open selects the backend by DSN scheme:
//
//	file://<dir>            JSON/JSONL files
//	sqlite://<path>         SQLite database (sqlite://:memory: for tests)
//	postgres://... or postgresql://...
func Open(ctx context.Context, dsn, agent string, logger *slog.Logger) (types.SessionStore, error) {
	switch {
	case strings.HasPrefix(dsn, "file://"):
		return state.NewStore(strings.TrimPrefix(dsn, "file://"), agent), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		s, err := sqlite.Open(ctx, strings.TrimPrefix(dsn, "sqlite://"), agent)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := postgres.Open(ctx, dsn, agent, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case dsn == "":
		return nil, fmt.Errorf("open store: empty database url")
	default:
		return nil, fmt.Errorf("open store: unsupported database url scheme in %q", Redact(dsn))
	}
}

// Redact keeps only the scheme of dsn so credentials stay out of logs.
func Redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}
