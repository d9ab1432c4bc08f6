package database

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/nerrad567/gray-logic-mesh/migrations"
)

// testMigrations is a two-step schema; the second step cannot be reverted.
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20261001_120000_create_nodes.up.sql": {Data: []byte(
			"CREATE TABLE test_nodes (id INTEGER PRIMARY KEY, stage TEXT NOT NULL);")},
		"20261001_120000_create_nodes.down.sql": {Data: []byte(
			"DROP TABLE test_nodes;")},
		"20261002_090000_add_liveness.up.sql": {Data: []byte(
			"ALTER TABLE test_nodes ADD COLUMN liveness TEXT;")},
		"README.md": {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return count == 1
}

func schemaVersion(t *testing.T, db *DB) string {
	t.Helper()
	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	return v
}

// TestMigrate verifies ordered, idempotent application.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v := schemaVersion(t, db); v != "" {
		t.Fatalf("fresh SchemaVersion() = %q, want empty", v)
	}

	fsys := testMigrations()
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO test_nodes (id, stage, liveness) VALUES (?, ?, ?)", 5, "complete", "alive",
	); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
	if v := schemaVersion(t, db); v != "20261002_090000" {
		t.Errorf("SchemaVersion() = %q, want 20261002_090000", v)
	}

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrate_EmbeddedJournalSchema verifies the shipped migrations apply
// and revert cleanly.
func TestMigrate_EmbeddedJournalSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "mesh_events") {
		t.Fatal("mesh_events not created")
	}

	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "mesh_events") {
		t.Error("mesh_events should be dropped")
	}
}

// TestMigrateDown verifies rollback of the latest step.
func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fsys := testMigrations()
	delete(fsys, "20261002_090000_add_liveness.up.sql")

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_nodes") {
		t.Error("test_nodes should have been dropped")
	}
	if v := schemaVersion(t, db); v != "" {
		t.Errorf("SchemaVersion() after rollback = %q, want empty", v)
	}

	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

// TestMigrateDown_Errors verifies irreversible and unknown migrations.
func TestMigrateDown_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source func() fstest.MapFS
		want   error
	}{
		{
			name:   "no down script",
			source: testMigrations,
			want:   ErrNoDownMigration,
		},
		{
			name: "applied version missing from source",
			source: func() fstest.MapFS {
				fsys := testMigrations()
				delete(fsys, "20261002_090000_add_liveness.up.sql")
				return fsys
			},
			want: ErrUnknownMigration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			ctx := context.Background()
			if err := db.Migrate(ctx, testMigrations()); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}

			if err := db.MigrateDown(ctx, tt.source()); !errors.Is(err, tt.want) {
				t.Errorf("MigrateDown() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestMigrate_FailureRollsBack verifies a broken step leaves no record and
// earlier steps stay applied.
func TestMigrate_FailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fsys := testMigrations()
	fsys["20261003_080000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE;")}

	if err := db.Migrate(ctx, fsys); err == nil {
		t.Fatal("Migrate() expected error for invalid SQL")
	}
	if v := schemaVersion(t, db); v != "20261002_090000" {
		t.Errorf("SchemaVersion() = %q, want the last good step", v)
	}
}

// TestMigrate_NoMigrations verifies nil and empty sources.
func TestMigrate_NoMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, nil); err != nil {
		t.Fatalf("Migrate(nil) error = %v", err)
	}
	if err := db.Migrate(ctx, fstest.MapFS{}); err != nil {
		t.Fatalf("Migrate(empty) error = %v", err)
	}
}

// TestReadMigrations verifies pairing and ordering.
func TestReadMigrations(t *testing.T) {
	got, err := ReadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("ReadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadMigrations() = %d migrations, want 2", len(got))
	}
	if got[0].Name != "create_nodes" || got[0].Down == "" {
		t.Errorf("first = %+v, want create_nodes with down script", got[0])
	}
	if got[1].Name != "add_liveness" || got[1].Down != "" {
		t.Errorf("second = %+v, want add_liveness without down script", got[1])
	}

	orphan := fstest.MapFS{"20261001_120000_x.down.sql": {Data: []byte("DROP TABLE x;")}}
	if _, err := ReadMigrations(orphan); err == nil {
		t.Error("ReadMigrations() should reject a down script without an up script")
	}
}

// TestParseMigrationFilename verifies filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOk      bool
	}{
		{"20261002_090000_mesh_events.up.sql", "20261002_090000", "mesh_events", true, true},
		{"20261002_090000_mesh_events.down.sql", "20261002_090000", "mesh_events", false, true},
		{"20261003_100000_add_session_to_events.up.sql", "20261003_100000", "add_session_to_events", true, true},
		{"20261002_090000.up.sql", "20261002_090000", "", true, true},
		{"readme.txt", "", "", false, false},
		{"20261002_090000_mesh_events.sql", "", "", false, false},
		{"invalid.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || up != tt.wantUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)",
					version, name, up, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
