package sqlstore

import "fmt"

// Open selects the dialect by driver name ("sqlite3" or "postgres").
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return NewSQLiteStore(WithDSN(dsn))
	case "postgres", "postgresql":
		return NewPostgresStore(WithDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}
