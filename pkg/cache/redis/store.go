package redis

import (
	"context"
	"encoding/json"
	"flag"
	"time"

	"github.com/ValerySidorin/exset/pkg/cache/row"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Addr, flagPrefix+"redis.addr", "localhost:6379", "Redis address of the result cache.")
	f.StringVar(&c.Password, flagPrefix+"redis.password", "", "Redis password.")
	f.IntVar(&c.DB, flagPrefix+"redis.db", 0, "Redis database.")
	f.StringVar(&c.Prefix, flagPrefix+"redis.prefix", "exset:cache:", "Key prefix of result cache rows.")
	f.DurationVar(&c.TTL, flagPrefix+"redis.ttl", 0, "Row time to live. 0 = rows live until overwritten.")
}

// Store keeps one redis string per row. Eviction is delegated to the key TTL.
type Store struct {
	cfg    Config
	client *goredis.Client
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis cache store ping")
	}

	return &Store{
		cfg:    cfg,
		client: client,
	}, nil
}

func (s *Store) key(partitionKey, rowKey string) string {
	return s.cfg.Prefix + partitionKey + ":" + rowKey
}

func (s *Store) Lookup(ctx context.Context, partitionKey, rowKey string) (*row.Row, bool, error) {
	raw, err := s.client.Get(ctx, s.key(partitionKey, rowKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "redis cache store lookup")
	}

	r := row.Row{}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, errors.Wrap(err, "redis cache store decode row")
	}

	return &r, true, nil
}

func (s *Store) Upsert(ctx context.Context, r *row.Row) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "redis cache store encode row")
	}

	if err := s.client.Set(ctx, s.key(r.PartitionKey, r.RowKey), b, s.cfg.TTL).Err(); err != nil {
		return errors.Wrap(err, "redis cache store upsert")
	}

	return nil
}

func (s *Store) Dispose() error {
	return s.client.Close()
}
