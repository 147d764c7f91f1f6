package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
)

// Repositories is the ledger handed out by a driver.
type Repositories struct {
	Users     UserRepository
	Items     ItemRepository
	Reviews   ReviewRepository
	Favorites FavoriteRepository
	// Closer releases the connection pool.
	Closer io.Closer
	// Ping reports whether the database is reachable. Used by readiness.
	Ping func(ctx context.Context) error
}

// Driver opens a ledger for cfg. Repositories use clk for every timestamp
// they write.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a driver available by name. Driver packages call it from
// init. Registering a nil driver or the same name twice panics.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("store: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("store: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the ledger with the driver named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	driversMu.RLock()
	d, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	repos, err := d(ctx, cfg, clk)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	return repos, nil
}
