// Package migrations embeds the SQL schema for both session stores so the
// relay can migrate without the files present on disk.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// SQLite returns the SQLite migrations rooted at their directory.
func SQLite() fs.FS {
	return mustSub(sqliteFS, "sqlite")
}

// Postgres returns the Postgres migrations rooted at their directory.
func Postgres() fs.FS {
	return mustSub(postgresFS, "postgres")
}

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic("migrations: " + err.Error())
	}
	return sub
}
