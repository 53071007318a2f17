package storage

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ColumnLoader reads the column names of table from the relational store
type ColumnLoader func(ctx context.Context, table string) ([]string, error)

type columnEntry struct {
	columns  map[string]struct{}
	loadedAt time.Time
}

// ColumnCache memoises table columns for ttl so the record writer can drop
// fields the table does not have without a catalog query per batch.
type ColumnCache struct {
	mu      sync.Mutex
	load    ColumnLoader
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]columnEntry
}

// NewColumnCache creates a ColumnCache
func NewColumnCache(load ColumnLoader, ttl time.Duration, clk clock.Clock) *ColumnCache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ColumnCache{
		load:    load,
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]columnEntry),
	}
}

// Columns returns the known columns of table
func (c *ColumnCache) Columns(ctx context.Context, table string) (map[string]struct{}, error) {
	now := c.clock.Now()

	c.mu.Lock()
	entry, ok := c.entries[table]
	c.mu.Unlock()
	if ok && now.Sub(entry.loadedAt) < c.ttl {
		return entry.columns, nil
	}

	names, err := c.load(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]struct{}, len(names))
	for _, n := range names {
		cols[n] = struct{}{}
	}

	c.mu.Lock()
	c.entries[table] = columnEntry{columns: cols, loadedAt: now}
	c.mu.Unlock()
	return cols, nil
}

// Invalidate forgets table, forcing the next Columns call to reload
func (c *ColumnCache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, table)
}

// FilterColumns returns row restricted to known columns and the names dropped
func FilterColumns(row map[string]any, known map[string]struct{}) (map[string]any, []string) {
	out := make(map[string]any, len(row))
	var dropped []string
	for k, v := range row {
		if _, ok := known[k]; ok {
			out[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	return out, dropped
}
