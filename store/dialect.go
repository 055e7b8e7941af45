package store

import (
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect captures the SQL differences between the SQLite and PostgreSQL
// catalogs. Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	driver   string
	init     []string
	idColumn string
	numbered bool // $1, $2 placeholders
}

var (
	sqliteDialect = dialect{
		driver: "sqlite",
		init: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous = NORMAL",
		},
		idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
	}

	postgresDialect = dialect{
		driver:   "postgres",
		idColumn: "id BIGSERIAL PRIMARY KEY",
		numbered: true,
	}
)

// dialectFor picks the dialect from a catalog location: postgres:// and
// postgresql:// URLs select PostgreSQL, anything else is a SQLite file path.
func dialectFor(dsn string) dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgresDialect
	}
	return sqliteDialect
}

// rebind converts ? placeholders to the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tags (
			` + d.idColumn + `,
			server        TEXT NOT NULL,
			node_id       TEXT NOT NULL,
			name          TEXT NOT NULL,
			discovered_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_server ON tags(server)`,
	}
}
