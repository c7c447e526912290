package pricing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// The migration seeds the row the store reads.
func TestMigrationSeedsDefaultRateKey(t *testing.T) {
	sql, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(sql), "'"+DefaultRateKey+"'") {
		t.Fatalf("migration does not seed %q", DefaultRateKey)
	}
	if DefaultRateKey != "default_price_per_km_cop" {
		t.Fatalf("unexpected key %q", DefaultRateKey)
	}
}
