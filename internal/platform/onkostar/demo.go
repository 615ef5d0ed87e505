package onkostar

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/onkostar/mtbexport/internal/platform/db"
)

//go:embed demo/demo.sql
var demoSQL string

// SeedDemo inserts a small demo dataset into a database created from
// Schema: two patients with a complete tumour board case and one patient
// without a KPA form.
func SeedDemo(ctx context.Context, d db.DB) error {
	for _, stmt := range db.SplitStatements(demoSQL) {
		if err := d.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}
	return nil
}
