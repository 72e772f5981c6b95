package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "voicebridge.db"), "")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "voicebridge.db")

	db, err := Open(dbPath, "")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{"schema_migrations", "devices", "call_log"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	// Verify all migrations are recorded.
	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 2 {
		t.Errorf("migration count = %d, want 2", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "voicebridge.db")

	// Open twice to verify migrations don't fail on re-run.
	db1, err := Open(dbPath, "")
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath, "")
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		query  string
		want   string
	}{
		{"sqlite passthrough", driverSQLite, "SELECT * FROM devices WHERE extension = ?", "SELECT * FROM devices WHERE extension = ?"},
		{"postgres single", driverPostgres, "SELECT * FROM devices WHERE extension = ?", "SELECT * FROM devices WHERE extension = $1"},
		{"postgres multiple", driverPostgres, "INSERT INTO t (a, b, c) VALUES (?, ?, ?)", "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
		{"postgres none", driverPostgres, "SELECT COUNT(*) FROM devices", "SELECT COUNT(*) FROM devices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &DB{driver: tt.driver}
			if got := db.rebind(tt.query); got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewDeviceRepository(db)

	dev := &models.Device{
		Extension:      "12611",
		Name:           "Cephanie",
		SIPAuthID:      "vb-12611",
		SIPPassword:    "s3cret",
		Voice:          "nova",
		Language:       "he",
		Greeting:       "שלום",
		ThinkingPhrase: "רגע אחד",
		Personality:    "You are a helpful assistant.",
	}
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Lookup by extension.
	got, err := repo.GetByExtension(ctx, "12611")
	if err != nil {
		t.Fatalf("GetByExtension() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByExtension() returned nil for existing device")
	}
	if got.Name != "Cephanie" || got.Language != "he" {
		t.Errorf("got device %+v, want name Cephanie language he", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}

	// Name lookup is case-insensitive.
	got, err = repo.GetByName(ctx, "cePHANie")
	if err != nil {
		t.Fatalf("GetByName() error: %v", err)
	}
	if got == nil || got.Extension != "12611" {
		t.Fatalf("GetByName(cePHANie) = %+v, want extension 12611", got)
	}

	// Missing rows come back as nil, nil.
	got, err = repo.GetByExtension(ctx, "999")
	if err != nil {
		t.Fatalf("GetByExtension(missing) error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByExtension(missing) = %+v, want nil", got)
	}

	// Update.
	dev.Greeting = "שלום לך"
	if err := repo.Update(ctx, dev); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	got, _ = repo.GetByExtension(ctx, "12611")
	if got.Greeting != "שלום לך" {
		t.Errorf("Greeting = %q after update, want %q", got.Greeting, "שלום לך")
	}

	// List and count.
	if err := repo.Create(ctx, &models.Device{Extension: "200", Name: "Morpheus", Language: "en"}); err != nil {
		t.Fatalf("Create() second device error: %v", err)
	}
	devs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(devs))
	}
	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	// Duplicate names are rejected regardless of case.
	err = repo.Create(ctx, &models.Device{Extension: "300", Name: "MORPHEUS"})
	if err == nil {
		t.Error("Create() with duplicate case-insensitive name should fail")
	}

	// Delete.
	if err := repo.Delete(ctx, "200"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, _ = repo.GetByExtension(ctx, "200")
	if got != nil {
		t.Error("device still present after Delete()")
	}
}

func TestCallLogRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallLogRepository(db)

	answered := time.Now().UTC().Add(-50 * time.Second)
	ended := time.Now().UTC()
	rec := &models.CallRecord{
		CallID:       "b51f2f2a-0001",
		Direction:    "outbound",
		Mode:         "announce",
		Extension:    "12611",
		Remote:       "+15551234567",
		FinalState:   "completed",
		TurnCount:    0,
		DurationSecs: 50,
		CreatedAt:    answered.Add(-5 * time.Second),
		AnsweredAt:   &answered,
		EndedAt:      &ended,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "b51f2f2a-0001")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByCallID() returned nil for existing record")
	}
	if got.DurationSecs != 50 || got.FinalState != "completed" {
		t.Errorf("got record %+v, want duration 50 state completed", got)
	}
	if got.AnsweredAt == nil {
		t.Error("AnsweredAt lost in round trip")
	}

	// A failed call with no answer time keeps nil timestamps.
	rec2 := &models.CallRecord{
		CallID:     "b51f2f2a-0002",
		Direction:  "outbound",
		Mode:       "conversation",
		Extension:  "12611",
		Remote:     "201",
		FinalState: "failed",
		Reason:     "no_answer",
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.Create(ctx, rec2); err != nil {
		t.Fatalf("Create() second record error: %v", err)
	}
	got, err = repo.GetByCallID(ctx, "b51f2f2a-0002")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if got.AnsweredAt != nil {
		t.Errorf("AnsweredAt = %v, want nil", got.AnsweredAt)
	}
	if got.Reason != "no_answer" {
		t.Errorf("Reason = %q, want no_answer", got.Reason)
	}

	// Newest first.
	recs, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListRecent() returned %d records, want 2", len(recs))
	}
	if recs[0].CallID != "b51f2f2a-0002" {
		t.Errorf("ListRecent()[0] = %s, want most recent record first", recs[0].CallID)
	}

	// Prune everything older than now.
	n, err := repo.DeleteOlderThan(ctx, time.Now().UTC().Add(time.Minute).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteOlderThan() = %d, want 2", n)
	}
}
