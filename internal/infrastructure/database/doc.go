// Package database provides SQLite connectivity for the SiteLink module registry.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Read-only handles for processes that only consume the registry
//   - Versioned schema migrations loaded from an fs.FS
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
