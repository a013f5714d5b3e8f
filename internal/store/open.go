// ABOUTME: Store factory selecting a backend by driver name
// ABOUTME: Supports sqlite (default), bolt and memory

package store

import (
	"errors"
	"fmt"
)

// Supported driver names
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

var errStoreClosed = errors.New("store closed")

// Open creates a Store for the given driver. An empty driver selects SQLite.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
