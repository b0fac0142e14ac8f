// Package database provides the SQLite store behind the transfer history.
//
// It opens the database with WAL mode and a busy timeout and applies
// embedded schema migrations. Migrations are plain SQL file pairs named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql, supplied as an fs.FS.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
