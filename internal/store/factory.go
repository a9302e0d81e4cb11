package store

import "fmt"

// New creates a Store for the given driver. An empty driver defaults to
// SQLite.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "pairlink.db"
		}
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (want sqlite or postgres)", driver)
	}
}
