package store

import (
	"context"
	"log/slog"
	"strings"
)

// Open picks the backend from databaseURL: PostgreSQL when set, otherwise
// the in-memory store, whose contents vanish with the process.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		st  Store
		err error
	)
	if dsn := strings.TrimSpace(databaseURL); dsn != "" {
		st, err = NewPostgresStore(ctx, dsn)
	} else {
		st = NewInMemoryStore()
	}
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "store_mode", st.Mode())
	return st, nil
}
