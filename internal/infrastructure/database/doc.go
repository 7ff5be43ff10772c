// Package database provides SQLite connectivity for the greenhouse controller.
//
// This package manages:
//   - Opening the database with either the cgo driver (mattn/go-sqlite3) or
//     the pure Go driver (modernc.org/sqlite), selected by database.driver
//   - WAL mode and busy timeout pragmas
//   - Embedded, versioned schema migrations
//   - The fixed-width timestamp layout shared by every store
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files live in /migrations and are named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql.
package database
