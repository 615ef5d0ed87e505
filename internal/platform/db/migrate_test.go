package db

import (
	"context"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) DB {
	t.Helper()
	d, err := Open(context.Background(), DriverSQLite, "file::memory:", 1, 0)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"readme.md":      {Data: []byte("ignored")},
		"seed.sql":       {Data: []byte("ignored, no prefix")},
		"abc_x.sql":      {Data: []byte("ignored, not numeric")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 10} {
		if migrations[i].Version != want {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, want)
		}
	}
	if migrations[0].Name != "001_first.sql" || migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := openMemory(t)
	fsys := fstest.MapFS{
		"001_core.sql": {Data: []byte(`-- patients
CREATE TABLE patient (
    id INTEGER PRIMARY KEY,
    patienten_id VARCHAR(20)
);
CREATE TABLE prozedur (id INTEGER PRIMARY KEY);
`)},
		"002_seed.sql": {Data: []byte("INSERT INTO patient (id, patienten_id) VALUES (1, 'P1');")},
	}
	m := NewMigrator(d, fsys)

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	n, err = m.Up(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Up() = %d, %v", n, err)
	}

	rows, err := d.Query(ctx, "SELECT patienten_id FROM patient WHERE id = ?", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["patienten_id"] != "P1" {
		t.Errorf("unexpected rows: %v", rows)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range statuses {
		if !st.Applied || st.AppliedAt == "" {
			t.Errorf("expected %s applied, got %+v", st.Name, st)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (x INTEGER);

INSERT INTO a VALUES (1);
SELECT 1`
	got := SplitStatements(script)
	want := []string{"CREATE TABLE a (x INTEGER)", "INSERT INTO a VALUES (1)", "SELECT 1"}
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stmt %d = %q, want %q", i, got[i], want[i])
		}
	}
}
