package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/smartystudio/smarty-google-feed-generator/app/database"
)

// Open builds the backend named by driver. The returned closer releases
// backend resources and is never nil.
func Open(ctx context.Context, driver string, db *database.DB, redisAddr string) (Cache, io.Closer, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), io.NopCloser(nil), nil
	case DriverSQLite:
		if db == nil {
			return nil, nil, fmt.Errorf("sqlite cache requires a database connection")
		}
		return NewSQLite(db), io.NopCloser(nil), nil
	case DriverRedis:
		r, err := NewRedis(ctx, redisAddr)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}
