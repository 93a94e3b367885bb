package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"farmplots/internal/sim/plot"
)

// dbCmd runs read-only queries against the plot tables.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	driver := fs.String("driver", "sqlite", "storage driver: sqlite|postgres")
	dsn := fs.String("dsn", "./data/plots.sqlite", "sqlite path or postgres url")
	region := fs.String("region", "", "region_id filter (members, attributes)")
	identity := fs.String("identity", "", "member uuid filter (members)")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	q := "plots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 50
	}

	sqlDriver := "sqlite"
	numbered := false
	switch strings.ToLower(*driver) {
	case "sqlite":
	case "postgres", "postgresql", "pgx":
		sqlDriver, numbered = "pgx", true
	default:
		fmt.Fprintln(os.Stderr, "unknown driver:", *driver)
		os.Exit(2)
	}
	db, err := sql.Open(sqlDriver, *dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()
	bind := func(s string) string {
		if !numbered {
			return s
		}
		n := 0
		var b strings.Builder
		for _, r := range s {
			if r == '?' {
				n++
				fmt.Fprintf(&b, "$%d", n)
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	}

	switch q {
	case "plots":
		rows, err := db.Query(bind(`SELECT p.id, p.region_id, p.state, p.level, COALESCE(p.items, ''),
			(SELECT COUNT(*) FROM plot_members m WHERE m.plot_id = p.id)
			FROM plots p ORDER BY p.id LIMIT ?`), *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID       int64  `json:"id"`
				RegionID string `json:"region_id"`
				State    int    `json:"state"`
				Level    int    `json:"level"`
				Items    string `json:"items,omitempty"`
				Members  int    `json:"members"`
			}
			if err := rows.Scan(&r.ID, &r.RegionID, &r.State, &r.Level, &r.Items, &r.Members); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "members":
		rows, err := db.Query(bind(`SELECT p.region_id, m.identity, m.name, m.role
			FROM plot_members m JOIN plots p ON p.id = m.plot_id
			WHERE (? = '' OR p.region_id = ?) AND (? = '' OR m.identity = ?)
			ORDER BY p.region_id, m.role DESC, m.name LIMIT ?`), *region, *region, *identity, *identity, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RegionID string `json:"region_id"`
				Identity string `json:"identity"`
				Name     string `json:"name"`
				Role     string `json:"role"`
			}
			var role int
			if err := rows.Scan(&r.RegionID, &r.Identity, &r.Name, &role); err != nil {
				fatal("scan", err)
			}
			r.Role = plot.Role(role).String()
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "attributes":
		rows, err := db.Query(bind(`SELECT p.region_id, a.module, a.status
			FROM plot_attributes a JOIN plots p ON p.id = a.plot_id
			WHERE (? = '' OR p.region_id = ?)
			ORDER BY p.region_id, a.module LIMIT ?`), *region, *region, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RegionID string `json:"region_id"`
				Module   string `json:"module"`
				Status   bool   `json:"status"`
			}
			var status int
			if err := rows.Scan(&r.RegionID, &r.Module, &status); err != nil {
				fatal("scan", err)
			}
			r.Status = status != 0
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(plots|members|attributes)")
		os.Exit(2)
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
