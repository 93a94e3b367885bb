// Package plotdb persists plots and their members. Writes are scheduled on a
// per-plot ordered queue and never block the world loop; LoadAll is the only
// synchronous read and runs once at startup.
package plotdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"

	"farmplots/internal/sim/plot"
)

// Store is the synchronous storage contract the queue workers drive.
type Store interface {
	InsertPlot(ctx context.Context, row plot.Row, owner plot.Member) (int64, error)
	UpdatePlot(ctx context.Context, id int64, row plot.Row) error
	DeletePlot(ctx context.Context, id int64) error
	UpsertMembers(ctx context.Context, plotID int64, members ...plot.Member) error
	DeleteMember(ctx context.Context, plotID int64, identity uuid.UUID) error
	SetAttribute(ctx context.Context, plotID int64, module string, status bool) error
	DeleteAttribute(ctx context.Context, plotID int64, module string) error
	LoadAll(ctx context.Context) ([]plot.Record, error)
	Close() error
}

type dialect struct {
	name       string
	driver     string
	idColumn   string
	numbered   bool // $1, $2 placeholders instead of ?
	initPragma []string
}

var (
	dialectSQLite = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
		initPragma: []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA foreign_keys=ON;",
			"PRAGMA busy_timeout=5000;",
		},
	}
	dialectPostgres = dialect{
		name:     "postgres",
		driver:   "pgx",
		idColumn: "id BIGSERIAL PRIMARY KEY",
		numbered: true,
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql for SQLite (modernc) and
// Postgres (pgx).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *log.Logger
}

// OpenSQL opens a store. driver is "sqlite" (dsn is a file path) or
// "postgres" (dsn is a connection URL).
func OpenSQL(ctx context.Context, driver, dsn string, logger *log.Logger) (*SQLStore, error) {
	var d dialect
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		d = dialectSQLite
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty %s dsn", d.name)
	}
	if d.name == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// One writer connection; WAL keeps readers unblocked.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := append([]string{}, s.dialect.initPragma...)
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS plots (
			`+s.dialect.idColumn+`,
			region_id TEXT NOT NULL UNIQUE,
			state INTEGER NOT NULL,
			items TEXT,
			level INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS plot_members (
			plot_id BIGINT NOT NULL REFERENCES plots(id) ON DELETE CASCADE,
			identity TEXT NOT NULL,
			name TEXT NOT NULL,
			role INTEGER NOT NULL,
			PRIMARY KEY (plot_id, identity)
		);`,
		`CREATE TABLE IF NOT EXISTS plot_attributes (
			plot_id BIGINT NOT NULL REFERENCES plots(id) ON DELETE CASCADE,
			module TEXT NOT NULL,
			status INTEGER NOT NULL,
			PRIMARY KEY (plot_id, module)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plot_members_identity ON plot_members(identity);`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Driver() string { return s.dialect.name }

func (s *SQLStore) Close() error { return s.db.Close() }

// withTx scopes one connection to fn; the transaction is rolled back on any
// error or panic and the connection always returns to the pool.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("storage panic: %v", p)
			return
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, q string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func nullItems(items string) sql.NullString {
	return sql.NullString{String: items, Valid: items != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertPlot stores a new plot with its owner. A row still holding the
// region (a removed plot whose delete has not run yet) is replaced.
func (s *SQLStore) InsertPlot(ctx context.Context, row plot.Row, owner plot.Member) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM plot_attributes WHERE plot_id IN (SELECT id FROM plots WHERE region_id = ?)`,
			`DELETE FROM plot_members WHERE plot_id IN (SELECT id FROM plots WHERE region_id = ?)`,
			`DELETE FROM plots WHERE region_id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, row.RegionID); err != nil {
				return fmt.Errorf("insert plot %s: clear stale row: %w", row.RegionID, err)
			}
		}
		q := s.dialect.rebind(`INSERT INTO plots (region_id, state, items, level) VALUES (?, ?, ?, ?) RETURNING id`)
		if err := tx.QueryRowContext(ctx, q, row.RegionID, row.State, nullItems(row.Items), row.Level).Scan(&id); err != nil {
			return fmt.Errorf("insert plot %s: %w", row.RegionID, err)
		}
		return s.upsertMembers(ctx, tx, id, owner)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) UpdatePlot(ctx context.Context, id int64, row plot.Row) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE plots SET region_id = ?, state = ?, items = ?, level = ? WHERE id = ?`,
			row.RegionID, row.State, nullItems(row.Items), row.Level, id)
		if err != nil {
			return fmt.Errorf("update plot %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update plot %d: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

func (s *SQLStore) DeletePlot(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Explicit child deletes: SQLite only cascades with foreign_keys on.
		for _, q := range []string{
			`DELETE FROM plot_attributes WHERE plot_id = ?`,
			`DELETE FROM plot_members WHERE plot_id = ?`,
			`DELETE FROM plots WHERE id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, id); err != nil {
				return fmt.Errorf("delete plot %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) UpsertMembers(ctx context.Context, plotID int64, members ...plot.Member) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertMembers(ctx, tx, plotID, members...)
	})
}

func (s *SQLStore) upsertMembers(ctx context.Context, tx *sql.Tx, plotID int64, members ...plot.Member) error {
	const q = `INSERT INTO plot_members (plot_id, identity, name, role) VALUES (?, ?, ?, ?)
		ON CONFLICT (plot_id, identity) DO UPDATE SET name = excluded.name, role = excluded.role`
	for _, m := range members {
		if _, err := s.exec(ctx, tx, q, plotID, m.Identity.String(), m.Name, int(m.Role)); err != nil {
			return fmt.Errorf("upsert member %s of plot %d: %w", m.Identity, plotID, err)
		}
	}
	return nil
}

func (s *SQLStore) DeleteMember(ctx context.Context, plotID int64, identity uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM plot_members WHERE identity = ? AND plot_id = ?`, identity.String(), plotID); err != nil {
			return fmt.Errorf("delete member %s of plot %d: %w", identity, plotID, err)
		}
		return nil
	})
}

func (s *SQLStore) SetAttribute(ctx context.Context, plotID int64, module string, status bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `INSERT INTO plot_attributes (plot_id, module, status) VALUES (?, ?, ?)
			ON CONFLICT (plot_id, module) DO UPDATE SET status = excluded.status`
		if _, err := s.exec(ctx, tx, q, plotID, module, boolInt(status)); err != nil {
			return fmt.Errorf("set attribute %s of plot %d: %w", module, plotID, err)
		}
		return nil
	})
}

func (s *SQLStore) DeleteAttribute(ctx context.Context, plotID int64, module string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM plot_attributes WHERE plot_id = ? AND module = ?`, plotID, module); err != nil {
			return fmt.Errorf("clear attribute %s of plot %d: %w", module, plotID, err)
		}
		return nil
	})
}

// LoadAll reads every plot with its members and overrides. Member rows with
// an unparseable identity are skipped and logged.
func (s *SQLStore) LoadAll(ctx context.Context) ([]plot.Record, error) {
	var out []plot.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		byID := map[int64]int{}
		rows, err := tx.QueryContext(ctx, `SELECT id, region_id, state, items, level FROM plots ORDER BY id`)
		if err != nil {
			return fmt.Errorf("load plots: %w", err)
		}
		for rows.Next() {
			var (
				rec   plot.Record
				items sql.NullString
			)
			if err := rows.Scan(&rec.ID, &rec.RegionID, &rec.State, &items, &rec.Level); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan plot: %w", err)
			}
			rec.Items = items.String
			rec.Overrides = map[string]bool{}
			byID[rec.ID] = len(out)
			out = append(out, rec)
		}
		if err := closeRows(rows); err != nil {
			return fmt.Errorf("load plots: %w", err)
		}

		rows, err = tx.QueryContext(ctx, `SELECT plot_id, identity, name, role FROM plot_members ORDER BY plot_id, role DESC, identity`)
		if err != nil {
			return fmt.Errorf("load members: %w", err)
		}
		for rows.Next() {
			var (
				plotID   int64
				identity string
				name     string
				role     int
			)
			if err := rows.Scan(&plotID, &identity, &name, &role); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan member: %w", err)
			}
			i, ok := byID[plotID]
			if !ok {
				continue
			}
			id, err := uuid.Parse(identity)
			if err != nil {
				s.printf("plotdb skip member plot_id=%d identity=%q err=%v", plotID, identity, err)
				continue
			}
			out[i].Members = append(out[i].Members, plot.Member{Identity: id, Name: name, Role: plot.Role(role)})
		}
		if err := closeRows(rows); err != nil {
			return fmt.Errorf("load members: %w", err)
		}

		rows, err = tx.QueryContext(ctx, `SELECT plot_id, module, status FROM plot_attributes`)
		if err != nil {
			return fmt.Errorf("load attributes: %w", err)
		}
		for rows.Next() {
			var (
				plotID int64
				module string
				status int
			)
			if err := rows.Scan(&plotID, &module, &status); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan attribute: %w", err)
			}
			if i, ok := byID[plotID]; ok {
				out[i].Overrides[module] = status != 0
			}
		}
		if err := closeRows(rows); err != nil {
			return fmt.Errorf("load attributes: %w", err)
		}
		return nil
	})
	return out, err
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SQLStore) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// IsNoRows reports whether a write failed because its target row is gone.
func IsNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
