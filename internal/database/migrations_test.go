package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsUppercasesCommitHashes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(crdt.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	commit := crdt.StoredCommit{
		ID:           "0197a3c4-0000-7000-8000-000000000001",
		HybridWall:   1700000000000,
		ReplicaID:    "0197a3c4-0000-7000-8000-0000000000aa",
		ParentHash:   "00ff00ff00ff00ff",
		Hash:         "abcdef0123456789",
		MetadataJSON: "{}",
		ChangeCount:  1,
	}
	if err := database.Create(&commit).Error; err != nil {
		testContext.Fatalf("failed to insert commit: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored crdt.StoredCommit
	if err := database.Where("id = ?", commit.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload commit: %v", err)
	}
	if stored.Hash != "ABCDEF0123456789" || stored.ParentHash != "00FF00FF00FF00FF" {
		testContext.Fatalf("expected uppercase hashes, got %q / %q", stored.Hash, stored.ParentHash)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationUppercaseCommitHashes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migration pass failed: %v", err)
	}
}

func TestOpenProjectIsolatesProjects(testContext *testing.T) {
	cfg := Config{Driver: DriverSQLite, DataDir: testContext.TempDir()}

	first, err := OpenProject(cfg, "alpha", zap.NewNop())
	if err != nil {
		testContext.Fatalf("open alpha: %v", err)
	}
	second, err := OpenProject(cfg, "beta", zap.NewNop())
	if err != nil {
		testContext.Fatalf("open beta: %v", err)
	}

	row := crdt.StoredCommit{ID: "0197a3c4-0000-7000-8000-000000000002", ReplicaID: "r", MetadataJSON: "{}"}
	if err := first.Create(&row).Error; err != nil {
		testContext.Fatalf("insert into alpha: %v", err)
	}
	var count int64
	if err := second.Model(&crdt.StoredCommit{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count beta: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected beta to be empty, found %d commits", count)
	}
}

func TestOpenProjectRejectsUnsafeIdentifiers(testContext *testing.T) {
	cfg := Config{Driver: DriverSQLite, DataDir: testContext.TempDir()}
	for _, projectID := range []string{"", "../escape", "Upper", "has space"} {
		if _, err := OpenProject(cfg, projectID, nil); err == nil {
			testContext.Fatalf("expected project id %q to be rejected", projectID)
		}
	}
}

func TestWithSearchPath(testContext *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@localhost:5432/lexisync?sslmode=disable": "postgres://user:pw@localhost:5432/lexisync?search_path=project_alpha&sslmode=disable",
		"host=localhost dbname=lexisync":                              "host=localhost dbname=lexisync search_path=project_alpha",
	}
	for input, expected := range cases {
		actual, err := withSearchPath(input, "project_alpha")
		if err != nil {
			testContext.Fatalf("unexpected error for %q: %v", input, err)
		}
		if actual != expected {
			testContext.Fatalf("expected %q, got %q", expected, actual)
		}
	}
}
