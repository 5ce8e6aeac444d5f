package database

import "testing"

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 migrations, got %d: %v", len(names), names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}
