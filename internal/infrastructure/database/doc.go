// Package database provides SQLite connectivity for the device cache.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Forward migrations loaded from an fs.FS (see the migrations package)
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a
// default, and each .up.sql file has a matching .down.sql.
package database
