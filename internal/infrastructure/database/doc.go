// Package database opens the SQLite file behind the firmware image catalog
// and applies the embedded schema migrations.
//
// The store holds firmware images only. Device and update state is
// in-memory and rebuilt from live advertisements on every start.
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are YYYYMMDD_HHMMSS_description.{up,down}.sql files embedded
// by the top-level migrations package.
package database
