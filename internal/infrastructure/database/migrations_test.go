package database

import (
	"context"
	"embed"
	"io/fs"
	"testing"
	"testing/fstest"
)

//go:embed testdata/*.sql
var testdataFS embed.FS

func sampleMigrations(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(testdataFS, "testdata")
	if err != nil {
		t.Fatalf("fs.Sub() error = %v", err)
	}
	return sub
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrateFrom(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := sampleMigrations(t)

	if err := db.MigrateFrom(ctx, fsys); err != nil {
		t.Fatalf("MigrateFrom() error = %v", err)
	}
	if !tableExists(t, db, "sample_images") {
		t.Fatal("sample_images table not created")
	}

	// A second run finds nothing pending.
	if err := db.MigrateFrom(ctx, fsys); err != nil {
		t.Fatalf("second MigrateFrom() error = %v", err)
	}

	applied, pending, err := db.Status(ctx, fsys)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 1 || applied[0].Version != "20260101_000000" {
		t.Errorf("applied = %+v, want one record for 20260101_000000", applied)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestMigrateFrom_Order(t *testing.T) {
	fsys := fstest.MapFS{
		"20260102_000000_add_notes.up.sql":   {Data: []byte("ALTER TABLE items ADD COLUMN notes TEXT;")},
		"20260101_000000_items.up.sql":       {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"20260101_000000_items.down.sql":     {Data: []byte("DROP TABLE items;")},
		"README.md":                          {Data: []byte("not a migration")},
		"20260103_bad_name.up.sql":           {Data: []byte("SELECT 1;")},
		"nested/20260104_000000_skip.up.sql": {Data: []byte("SELECT 1;")},
	}

	db := openTestDB(t)
	ctx := context.Background()
	if err := db.MigrateFrom(ctx, fsys); err != nil {
		t.Fatalf("MigrateFrom() error = %v", err)
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO items (id, notes) VALUES ('a', 'b')"); err != nil {
		t.Errorf("column from second migration missing: %v", err)
	}

	applied, _, err := db.Status(ctx, fsys)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Version != "20260101_000000" || applied[1].Version != "20260102_000000" {
		t.Errorf("applied order = %s, %s", applied[0].Version, applied[1].Version)
	}
}

func TestMigrateFrom_FailureKeepsEarlier(t *testing.T) {
	fsys := fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE broken (;")},
	}

	db := openTestDB(t)
	ctx := context.Background()
	if err := db.MigrateFrom(ctx, fsys); err == nil {
		t.Fatal("MigrateFrom() should fail on invalid SQL")
	}

	applied, pending, err := db.Status(ctx, fsys)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Errorf("applied = %d pending = %d, want 1 and 1", len(applied), len(pending))
	}
	if pending[0].Name != "broken" {
		t.Errorf("pending = %q, want broken", pending[0].Name)
	}
}

func TestMigrateFrom_NilFS(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateFrom(context.Background(), nil); err != nil {
		t.Errorf("MigrateFrom(nil) error = %v", err)
	}
}

func TestMigrateFrom_MissingUpFile(t *testing.T) {
	fsys := fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	}
	db := openTestDB(t)
	if err := db.MigrateFrom(context.Background(), fsys); err == nil {
		t.Error("MigrateFrom() should reject a down file without an up file")
	}
}

func TestRollbackFrom(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := sampleMigrations(t)

	// Nothing applied yet.
	if err := db.RollbackFrom(ctx, fsys); err != nil {
		t.Fatalf("RollbackFrom() on empty database error = %v", err)
	}

	if err := db.MigrateFrom(ctx, fsys); err != nil {
		t.Fatalf("MigrateFrom() error = %v", err)
	}
	if err := db.RollbackFrom(ctx, fsys); err != nil {
		t.Fatalf("RollbackFrom() error = %v", err)
	}
	if tableExists(t, db, "sample_images") {
		t.Error("sample_images should be dropped")
	}

	_, pending, err := db.Status(ctx, fsys)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d after rollback, want 1", len(pending))
	}
}

func TestRollbackFrom_NoDownSQL(t *testing.T) {
	fsys := fstest.MapFS{
		"20260101_000000_oneway.up.sql": {Data: []byte("CREATE TABLE oneway (id INTEGER);")},
	}
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.MigrateFrom(ctx, fsys); err != nil {
		t.Fatalf("MigrateFrom() error = %v", err)
	}
	if err := db.RollbackFrom(ctx, fsys); err == nil {
		t.Error("RollbackFrom() should fail without down SQL")
	}
	if !tableExists(t, db, "oneway") {
		t.Error("table should survive a failed rollback")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20260301_090000_firmware_images.up.sql", migrationFile{"20260301_090000", "firmware_images", true}, true},
		{"20260301_090000_firmware_images.down.sql", migrationFile{"20260301_090000", "firmware_images", false}, true},
		{"20260301_090000.up.sql", migrationFile{"20260301_090000", "20260301_090000", true}, true},
		{"20260301_090000_x.sql", migrationFile{}, false},
		{"20260301_090000_x.up.txt", migrationFile{}, false},
		{"2026031_090000_x.up.sql", migrationFile{}, false},
		{"20260301_0900_x.up.sql", migrationFile{}, false},
		{"2026030a_090000_x.up.sql", migrationFile{}, false},
		{"initial.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("parseMigrationFilename() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
