package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// Warehouse tables.
const (
	TableSilver            = "silver_breweries"
	TableByTypeAndLocation = "gold_by_type_and_location"
	TableByType            = "gold_by_type"
	TableByCountry         = "gold_by_country"
	TableByState           = "gold_by_state"
	TableSummary           = "gold_summary"
)

// Warehouse is the SQLite copy of the silver and gold layers. Every load
// replaces the whole table inside one transaction.
type Warehouse struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenWarehouse opens (or creates) the database at path and applies the
// schema.
func OpenWarehouse(ctx context.Context, path string) (*Warehouse, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioFail("mkdir", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ioFail("open", path, err)
	}
	db.SetMaxOpenConns(1)
	w := &Warehouse{db: db, path: path, now: time.Now}
	if err := w.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS silver_breweries (
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
			longitude REAL,
			latitude REAL,
			phone TEXT,
			website_url TEXT,
			loaded_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_silver_partition ON silver_breweries(country, state_province);`,
		`CREATE TABLE IF NOT EXISTS gold_by_type_and_location (
			country TEXT,
			state_province TEXT,
			brewery_type TEXT,
			brewery_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gold_by_type (
			brewery_type TEXT,
			brewery_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gold_by_country (
			country TEXT,
			brewery_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gold_by_state (
			country TEXT,
			state_province TEXT,
			brewery_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gold_summary (
			name TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return ioFail("migrate", w.path, err)
		}
	}
	return nil
}

// ReplaceSilver swaps the curated table in.
func (w *Warehouse) ReplaceSilver(ctx context.Context, t *transform.Table) error {
	cols := transform.ColumnNames()
	insert := fmt.Sprintf(`INSERT INTO %s(%s, loaded_at) VALUES(%s?)`,
		TableSilver, strings.Join(cols, ", "), strings.Repeat("?, ", len(cols)))
	loadedAt := w.now().UTC()

	return w.replace(ctx, TableSilver, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range t.Rows() {
			args := []any{
				r.ID, r.Name, r.BreweryType, r.Address1, r.Address2, r.Address3,
				r.City, r.StateProvince, r.PostalCode, r.Country,
				r.Longitude, r.Latitude, r.Phone, r.WebsiteURL, loadedAt,
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert %s: %w", r.Identifier(), err)
			}
		}
		return nil
	})
}

// ReplaceAggregation swaps one gold table in. The result's group columns
// must match the table's columns.
func (w *Warehouse) ReplaceAggregation(ctx context.Context, table string, res aggregate.Result) error {
	cols := res.GroupColumns()
	insert := fmt.Sprintf(`INSERT INTO %s(%s, %s) VALUES(%s?)`,
		table, strings.Join(cols, ", "), aggregate.CountColumn, strings.Repeat("?, ", len(cols)))

	return w.replace(ctx, table, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range res.Rows {
			args := make([]any, 0, len(cols)+1)
			for _, c := range cols {
				args = append(args, r.Keys[c])
			}
			args = append(args, r.BreweryCount)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceGold loads every gold table and stores the summary and stats
// payloads.
func (w *Warehouse) ReplaceGold(ctx context.Context, s aggregate.GoldSummary, stats aggregate.AggregationStats) error {
	loads := []struct {
		table string
		res   aggregate.Result
	}{
		{TableByTypeAndLocation, s.ByTypeAndLocation},
		{TableByType, s.ByType},
		{TableByCountry, s.ByCountry},
		{TableByState, s.ByState},
	}
	for _, l := range loads {
		if err := w.ReplaceAggregation(ctx, l.table, l.res); err != nil {
			return err
		}
	}

	summary, err := json.Marshal(s)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	updated := w.now().UTC()
	return w.replace(ctx, TableSummary, func(tx *sql.Tx) error {
		for name, payload := range map[string][]byte{"summary": summary, "stats": statsJSON} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO gold_summary(name, payload, updated_at) VALUES(?, ?, ?)`,
				name, string(payload), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Warehouse) replace(ctx context.Context, table string, load func(*sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(ioFail("begin", w.path, err), "warehouse: replace %s", table)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		tx.Rollback()
		return eris.Wrapf(ioFail("delete", table, err), "warehouse: replace %s", table)
	}
	if err := load(tx); err != nil {
		tx.Rollback()
		return eris.Wrapf(ioFail("insert", table, err), "warehouse: replace %s", table)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrapf(ioFail("commit", table, err), "warehouse: replace %s", table)
	}
	return nil
}

// CountRows returns the number of rows in table.
func (w *Warehouse) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// LoadSilver reads the curated table back, ordered by id.
func (w *Warehouse) LoadSilver(ctx context.Context) (*transform.Table, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`,
		strings.Join(transform.ColumnNames(), ", "), TableSilver))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transform.Row
	for rows.Next() {
		var (
			r        transform.Row
			text     [12]sql.NullString
			lon, lat sql.NullFloat64
		)
		if err := rows.Scan(&text[0], &text[1], &text[2], &text[3], &text[4], &text[5],
			&text[6], &text[7], &text[8], &text[9], &lon, &lat, &text[10], &text[11]); err != nil {
			return nil, err
		}
		fields := []**string{&r.ID, &r.Name, &r.BreweryType, &r.Address1, &r.Address2, &r.Address3,
			&r.City, &r.StateProvince, &r.PostalCode, &r.Country, &r.Phone, &r.WebsiteURL}
		for i, f := range fields {
			if text[i].Valid {
				s := text[i].String
				*f = &s
			}
		}
		if lon.Valid {
			r.Longitude = &lon.Float64
		}
		if lat.Valid {
			r.Latitude = &lat.Float64
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transform.NewTable(out), nil
}

// LoadAggregation reads one gold table back. Rows come out in insertion
// order, which is the aggregation order.
func (w *Warehouse) LoadAggregation(ctx context.Context, table string, groupColumns ...string) (aggregate.Result, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY rowid`,
		strings.Join(groupColumns, ", "), aggregate.CountColumn, table)
	rows, err := w.db.QueryContext(ctx, q)
	if err != nil {
		return aggregate.Result{}, err
	}
	defer rows.Close()

	res := aggregate.Result{
		Columns: append(append([]string(nil), groupColumns...), aggregate.CountColumn),
		Rows:    []aggregate.CountRow{},
	}
	for rows.Next() {
		vals := make([]sql.NullString, len(groupColumns))
		dest := make([]any, 0, len(groupColumns)+1)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		var count int64
		dest = append(dest, &count)
		if err := rows.Scan(dest...); err != nil {
			return aggregate.Result{}, err
		}
		cr := aggregate.CountRow{Keys: make(map[string]string, len(groupColumns)), BreweryCount: count}
		for i, c := range groupColumns {
			cr.Keys[c] = vals[i].String
		}
		res.Rows = append(res.Rows, cr)
	}
	return res, rows.Err()
}

// LoadPayload returns a stored gold_summary payload ("summary" or "stats").
func (w *Warehouse) LoadPayload(ctx context.Context, name string) ([]byte, error) {
	var payload string
	err := w.db.QueryRowContext(ctx, `SELECT payload FROM gold_summary WHERE name=?`, name).Scan(&payload)
	switch err {
	case nil:
		return []byte(payload), nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}
