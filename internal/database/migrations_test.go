package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "migration.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.Template{}, &bias.Record{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestApplyMigrationsSeedsSystemTemplates(t *testing.T) {
	db := openMigrationDatabase(t)

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var templates []rooms.Template
	if err := db.Where("is_system = ?", true).Find(&templates).Error; err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	if len(templates) != 4 {
		t.Fatalf("expected four seeded templates, got %d", len(templates))
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationSeedSystemTemplates).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openMigrationDatabase(t)

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var templateCount int64
	if err := db.Model(&rooms.Template{}).Count(&templateCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if templateCount != 4 {
		t.Fatalf("expected templates seeded exactly once, got %d", templateCount)
	}
}

func TestApplyMigrationsNormalizesLegacyDirections(t *testing.T) {
	db := openMigrationDatabase(t)

	legacy := []bias.Record{
		{ID: "rec-1", RoomID: "room-1", AuthorID: "user-1", TimeFrame: "1h", Direction: "bullish", Status: bias.StatusActive},
		{ID: "rec-2", RoomID: "room-1", AuthorID: "user-1", TimeFrame: "1D", Direction: "bearish", Status: bias.StatusArchived},
		{ID: "rec-3", RoomID: "room-1", AuthorID: "user-2", TimeFrame: "1h", Direction: bias.DirectionNeutral, Status: bias.StatusActive},
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy rows: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var first bias.Record
	if err := db.Where("id = ?", "rec-1").Take(&first).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if first.Direction != bias.DirectionLong {
		t.Fatalf("expected bullish rewritten to long, got %s", first.Direction)
	}
	var second bias.Record
	if err := db.Where("id = ?", "rec-2").Take(&second).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if second.Direction != bias.DirectionShort {
		t.Fatalf("expected bearish rewritten to short, got %s", second.Direction)
	}
	var third bias.Record
	if err := db.Where("id = ?", "rec-3").Take(&third).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if third.Direction != bias.DirectionNeutral {
		t.Fatalf("neutral rows must be untouched, got %s", third.Direction)
	}
}

func TestOpenSQLiteInitializesSchema(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "app.db")

	db, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"rooms", "room_co_owners", "room_members", "room_templates", "user_profiles", "bias_records", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty database path")
	}
}
