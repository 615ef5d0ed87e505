package onkostar

import (
	"context"
	"testing"

	"github.com/onkostar/mtbexport/internal/platform/db"
)

// openFixture returns an in-memory Onkostar database with two KPA patients
// and one patient without a KPA form.
func openFixture(t *testing.T) db.DB {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, db.DriverSQLite, "file::memory:", 1, 0)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(d.Close)

	if _, err := db.NewMigrator(d, Schema()).Up(ctx); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if err := SeedDemo(ctx, d); err != nil {
		t.Fatal(err)
	}
	return d
}
