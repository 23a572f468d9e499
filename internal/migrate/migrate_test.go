package migrate_test

import (
	"testing"

	"gateline/internal/db"
	"gateline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version == 0 {
		t.Fatal("schema_version not advanced")
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&again); err != nil {
		t.Fatal(err)
	}
	if again != version {
		t.Fatalf("version moved from %d to %d on re-run", version, again)
	}

	// The full schema is usable after a re-run.
	if _, err := conn.Exec(`INSERT INTO actors(id, created_at) VALUES ('smoke', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema smoke insert: %v", err)
	}
}
