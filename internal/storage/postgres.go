package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// PostgresConfig configures the optional Postgres mirror.
type PostgresConfig struct {
	DSN       string `yaml:"dsn" json:"dsn"`
	Schema    string `yaml:"schema" json:"schema"`
	MaxConns  int    `yaml:"max_conns" json:"max_conns"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	// ViaBouncer switches to the simple protocol for transaction poolers.
	ViaBouncer bool `yaml:"via_bouncer" json:"via_bouncer"`
}

// PostgresSink mirrors the silver and gold tables into Postgres. Each load
// truncates and refills the target inside one transaction.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
	batch  int
	log    *logging.Logger
}

// OpenPostgres connects and creates the schema objects.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log *logging.Logger) (*PostgresSink, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse dsn")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 2
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	if cfg.ViaBouncer {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	s := &PostgresSink{pool: pool, schema: cfg.Schema, batch: cfg.BatchSize, log: logging.OrNop(log)}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) Close() { s.pool.Close() }

func (s *PostgresSink) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table(TableSilver) + ` (
			id TEXT PRIMARY KEY,
			name TEXT,
			brewery_type TEXT,
			address_1 TEXT,
			address_2 TEXT,
			address_3 TEXT,
			city TEXT,
			state_province TEXT NOT NULL,
			postal_code TEXT,
			country TEXT NOT NULL,
			longitude DOUBLE PRECISION,
			latitude DOUBLE PRECISION,
			phone TEXT,
			website_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table(TableByTypeAndLocation) + ` (
			country TEXT, state_province TEXT, brewery_type TEXT, brewery_count BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table(TableByType) + ` (
			brewery_type TEXT, brewery_count BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table(TableByCountry) + ` (
			country TEXT, brewery_count BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table(TableByState) + ` (
			country TEXT, state_province TEXT, brewery_count BIGINT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: migrate")
		}
	}
	return nil
}

// ReplaceSilver truncates silver_breweries and inserts t. Returns the
// number of rows inserted.
func (s *PostgresSink) ReplaceSilver(ctx context.Context, t *transform.Table) (int, error) {
	cols := transform.ColumnNames()
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.table(TableSilver),
		strings.Join(cols, ", "), placeholders(len(cols)))

	rows := t.Rows()
	args := make([][]any, len(rows))
	for i, r := range rows {
		args[i] = []any{
			r.ID, r.Name, r.BreweryType, r.Address1, r.Address2, r.Address3,
			r.City, r.StateProvince, r.PostalCode, r.Country,
			r.Longitude, r.Latitude, r.Phone, r.WebsiteURL,
		}
	}
	n, err := s.replace(ctx, TableSilver, insert, args)
	if err != nil {
		return n, err
	}
	s.log.Info("mirrored silver to postgres", "rows", n, "schema", s.schema)
	return n, nil
}

// ReplaceAggregation truncates a gold table and inserts res.
func (s *PostgresSink) ReplaceAggregation(ctx context.Context, table string, res aggregate.Result) (int, error) {
	cols := res.GroupColumns()
	insert := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (%s)`, s.table(table),
		strings.Join(cols, ", "), aggregate.CountColumn, placeholders(len(cols)+1))

	args := make([][]any, len(res.Rows))
	for i, r := range res.Rows {
		row := make([]any, 0, len(cols)+1)
		for _, c := range cols {
			row = append(row, r.Keys[c])
		}
		args[i] = append(row, r.BreweryCount)
	}
	return s.replace(ctx, table, insert, args)
}

// ReplaceGold mirrors all four gold aggregations.
func (s *PostgresSink) ReplaceGold(ctx context.Context, g aggregate.GoldSummary) error {
	for table, res := range map[string]aggregate.Result{
		TableByTypeAndLocation: g.ByTypeAndLocation,
		TableByType:            g.ByType,
		TableByCountry:         g.ByCountry,
		TableByState:           g.ByState,
	} {
		if _, err := s.ReplaceAggregation(ctx, table, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) replace(ctx context.Context, table, insert string, args [][]any) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: begin %s", table)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE `+s.table(table)); err != nil {
		return 0, eris.Wrapf(err, "postgres: truncate %s", table)
	}

	total := 0
	for i := 0; i < len(args); i += s.batch {
		j := min(i+s.batch, len(args))
		b := &pgx.Batch{}
		for _, a := range args[i:j] {
			b.Queue(insert, a...)
		}
		br := tx.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, eris.Wrapf(err, "postgres: insert %s", table)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, eris.Wrapf(err, "postgres: insert %s", table)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return total, eris.Wrapf(err, "postgres: commit %s", table)
	}
	return total, nil
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ",")
}
