package history

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the store for driver: memory (default), postgres, sqlite or
// none. none returns a nil Store.
func NewStore(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "none":
		return nil, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}
