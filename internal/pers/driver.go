// Package pers is the persistence layer: a live-object cache in front of a
// pluggable key/value storage driver, plus the write/delete orchestration
// that gives every request its all-or-nothing persistence boundary.
package pers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Record is one stored entity: its TSID plus the serialized record body.
type Record struct {
	TSID string
	Data []byte
}

// Driver is the storage back-end contract. Read returns (nil, nil) when no
// record exists. Write is atomic per record and batches when the back-end
// supports it.
type Driver interface {
	Init(config map[string]any) error
	Close() error
	Read(ctx context.Context, tsid string) ([]byte, error)
	Write(ctx context.Context, recs []Record) error
	Delete(ctx context.Context, tsid string) error
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]func() Driver{}
)

// RegisterDriver makes a storage back-end selectable by module name.
// Driver packages call it from init.
func RegisterDriver(module string, mk func() Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[module] = mk
}

// OpenDriver instantiates and initializes the named back-end.
func OpenDriver(module string, config map[string]any) (Driver, error) {
	driversMu.RLock()
	mk, ok := drivers[module]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage back-end %q (registered: %v)", module, driverNames())
	}
	d := mk()
	if err := d.Init(config); err != nil {
		return nil, fmt.Errorf("initializing storage back-end %q: %w", module, err)
	}
	return d, nil
}

func driverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
