package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// DefaultDriver is used when no driver is named.
const DefaultDriver = "confluent"

// Factory builds a client from producer params.
type Factory func(p Params, log *slog.Logger) (Client, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available by name, replacing any earlier one.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

// Drivers lists the registered driver names.
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

// Known reports whether a driver is registered under name.
func Known(name string) bool {
	driversMu.RLock()
	defer driversMu.RUnlock()
	_, ok := drivers[name]
	return ok
}

// New builds a client with the named driver.
func New(name string, p Params, log *slog.Logger) (Client, error) {
	if name == "" {
		name = DefaultDriver
	}
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker driver %q", name)
	}
	if log == nil {
		log = slog.Default()
	}
	return f(p, log.With("driver", name))
}

func init() {
	Register("confluent", newConfluent)
	Register("franz", newFranz)
	Register("sarama", newSarama)
}
