// Package database provides the SQLite store used for device sessions,
// listener sessions and slot claims when the relay runs with store "sqlite".
//
// This package manages:
//   - The connection, opened in WAL mode with a busy timeout
//   - Schema migrations loaded from an fs.FS (see package migrations)
//   - The fixed-width UTC timestamp format shared by every table
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.SQLite()); err != nil {
//	    return err
//	}
package database
