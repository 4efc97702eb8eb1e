package memory

import (
	"context"
	"flag"
	"time"

	"github.com/ValerySidorin/exset/pkg/cache/row"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Config struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.Size, flagPrefix+"memory.size", 10000, "Maximum number of rows kept by the in-process result cache.")
	f.DurationVar(&c.TTL, flagPrefix+"memory.ttl", 0, "Row time to live of the in-process result cache. 0 = no expiry.")
}

// Store keeps rows in an in-process LRU. Concurrent use is safe.
type Store struct {
	lru *expirable.LRU[string, *row.Row]
}

func NewStore(cfg Config) *Store {
	size := cfg.Size
	if size <= 0 {
		size = 10000
	}

	return &Store{
		lru: expirable.NewLRU[string, *row.Row](size, nil, cfg.TTL),
	}
}

func key(partitionKey, rowKey string) string {
	return partitionKey + "\x00" + rowKey
}

func (s *Store) Lookup(_ context.Context, partitionKey, rowKey string) (*row.Row, bool, error) {
	r, ok := s.lru.Get(key(partitionKey, rowKey))
	if !ok {
		return nil, false, nil
	}

	cp := *r
	return &cp, true, nil
}

func (s *Store) Upsert(_ context.Context, r *row.Row) error {
	cp := *r
	s.lru.Add(key(r.PartitionKey, r.RowKey), &cp)
	return nil
}

func (s *Store) Purge(_ context.Context, before time.Time) (int, error) {
	removed := 0
	for _, k := range s.lru.Keys() {
		r, ok := s.lru.Peek(k)
		if ok && r.UpdatedAt.Before(before) {
			if s.lru.Remove(k) {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) Len() int {
	return s.lru.Len()
}
