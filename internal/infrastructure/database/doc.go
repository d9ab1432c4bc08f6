// Package database opens the controller's SQLite file and applies its
// schema. The lifecycle journal (mesh_events) is the only tenant.
//
// The handle holds a single connection. SQLite allows one writer, and an
// in-memory database (MemoryPath) exists only on the connection that made
// it. With WAL enabled, journal reads from the API do not block the
// journal writer, and Checkpoint returns pruned pages to the filesystem.
//
// Migrations are pairs of files named YYYYMMDD_HHMMSS_name.up.sql and
// .down.sql at the root of an fs.FS. Each applies in its own transaction
// and is recorded in schema_migrations; the down script is optional.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//		return err
//	}
//
// The file is created with mode 0600 inside a 0750 directory.
package database
