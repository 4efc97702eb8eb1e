package pg

import (
	"context"
	"flag"
	"time"

	"github.com/ValerySidorin/exset/pkg/cache/row"
	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Config struct {
	Conn  string `yaml:"conn"`
	Table string `yaml:"table"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Conn, flagPrefix+"pg.conn", "", "Postgres connection string of the result cache table.")
	f.StringVar(&c.Table, flagPrefix+"pg.table", "exset_cache", "Result cache table name.")
}

type Store struct {
	cfg  Config
	log  log.Logger
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (*Store, error) {
	if cfg.Conn == "" {
		return nil, errors.New("pg cache store: connection string is required")
	}
	if cfg.Table == "" {
		cfg.Table = "exset_cache"
	}

	pool, err := pgxpool.New(ctx, cfg.Conn)
	if err != nil {
		return nil, errors.Wrap(err, "pg cache store init pool")
	}

	q := `create table if not exists ` + pgx.Identifier{cfg.Table}.Sanitize() + `
	(partition_key text not null, row_key text not null, response text not null,
	batch_id text not null, updated_at timestamptz not null,
	primary key (partition_key, row_key));`
	if _, err := pool.Exec(ctx, q); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg cache store init table")
	}

	return &Store{
		cfg:  cfg,
		log:  log,
		pool: pool,
	}, nil
}

func (s *Store) table() string {
	return pgx.Identifier{s.cfg.Table}.Sanitize()
}

func (s *Store) Lookup(ctx context.Context, partitionKey, rowKey string) (*row.Row, bool, error) {
	q := `select partition_key, row_key, response, batch_id, updated_at from ` + s.table() + `
	where partition_key = $1 and row_key = $2;`

	r := row.Row{}
	err := s.pool.QueryRow(ctx, q, partitionKey, rowKey).
		Scan(&r.PartitionKey, &r.RowKey, &r.Response, &r.BatchID, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "pg cache store lookup")
	}

	return &r, true, nil
}

func (s *Store) Upsert(ctx context.Context, r *row.Row) error {
	q := `insert into ` + s.table() + `(partition_key, row_key, response, batch_id, updated_at)
	values($1, $2, $3, $4, $5)
	on conflict (partition_key, row_key) do update
	set response = excluded.response,
	batch_id = excluded.batch_id,
	updated_at = excluded.updated_at;`

	if _, err := s.pool.Exec(ctx, q, r.PartitionKey, r.RowKey, r.Response, r.BatchID, r.UpdatedAt); err != nil {
		return errors.Wrap(err, "pg cache store upsert")
	}

	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	q := `delete from ` + s.table() + ` where updated_at < $1;`

	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, errors.Wrap(err, "pg cache store purge")
	}

	return int(tag.RowsAffected()), nil
}

func (s *Store) Dispose() {
	s.pool.Close()
}
