package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/talaledger/talad/internal/audit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, tenantID, entityType, entityID, action, createdAt string) *audit.AuditRecord {
	return &audit.AuditRecord{
		ID:           id,
		TenantID:     tenantID,
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		CreatedAt:    createdAt,
		UserID:       "u1",
		PreviousHash: "prev-" + id,
		DataHash:     "hash-" + id,
		HashVerified: true,
	}
}

func TestFindLatest_EmptyTuple(t *testing.T) {
	s := openTestStore(t)

	tip, err := s.FindLatest(context.Background(), "t1", "JournalEntry", "JE-1")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if tip != nil {
		t.Errorf("expected nil tip for empty tuple, got %+v", tip)
	}
}

func TestInsertAndFindLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := testRecord(fmt.Sprintf("r%d", i), "t1", "JournalEntry", "JE-1", "Updated",
			fmt.Sprintf("2025-01-15T10:30:0%d.000Z", i))
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert r%d: %v", i, err)
		}
	}

	tip, err := s.FindLatest(ctx, "t1", "JournalEntry", "JE-1")
	if err != nil {
		t.Fatal(err)
	}
	if tip == nil || tip.ID != "r3" {
		t.Errorf("expected tip r3, got %+v", tip)
	}

	// Other tuples and tenants are invisible.
	if tip, _ := s.FindLatest(ctx, "t1", "JournalEntry", "JE-2"); tip != nil {
		t.Error("different entityId should have no tip")
	}
	if tip, _ := s.FindLatest(ctx, "t2", "JournalEntry", "JE-1"); tip != nil {
		t.Error("different tenant should have no tip")
	}
}

func TestFindLatest_TimestampTieBreaksOnSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two records in the same millisecond: insertion order decides.
	ts := "2025-01-15T10:30:00.000Z"
	s.Insert(ctx, testRecord("first", "t1", "Vendor", "VEND-003", "Created", ts))
	s.Insert(ctx, testRecord("second", "t1", "Vendor", "VEND-003", "Updated", ts))

	tip, err := s.FindLatest(ctx, "t1", "Vendor", "VEND-003")
	if err != nil {
		t.Fatal(err)
	}
	if tip.ID != "second" {
		t.Errorf("expected later insert to win the tie, got %s", tip.ID)
	}
}

func TestFindAll_OrderedAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert out of chronological order.
	s.Insert(ctx, testRecord("b", "t1", "JournalEntry", "JE-1", "Posted", "2025-01-15T10:31:00.000Z"))
	s.Insert(ctx, testRecord("a", "t1", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z"))
	s.Insert(ctx, testRecord("c", "t1", "JournalEntry", "JE-1", "Voided", "2025-01-15T10:32:00.000Z"))

	records, err := s.FindAll(ctx, "t1", "JournalEntry", "JE-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, records[i].ID)
		}
	}
}

func TestFindAllForTenant_FlatAcrossEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, testRecord("je1", "t1", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z"))
	s.Insert(ctx, testRecord("si1", "t1", "SalesInvoice", "SI-1", "Created", "2025-01-15T10:30:30.000Z"))
	s.Insert(ctx, testRecord("je2", "t1", "JournalEntry", "JE-1", "Posted", "2025-01-15T10:31:00.000Z"))
	s.Insert(ctx, testRecord("other", "t2", "JournalEntry", "JE-1", "Created", "2025-01-15T10:29:00.000Z"))

	records, err := s.FindAllForTenant(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records for t1, got %d", len(records))
	}
	// Flat ordering interleaves entities by createdAt.
	for i, want := range []string{"je1", "si1", "je2"} {
		if records[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, records[i].ID)
		}
	}
}

func TestInsert_RoundtripsSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "t1", "SalesInvoice", "SI-1", "Updated", "2025-01-15T10:30:00.000Z")
	rec.Description = "amount corrected"
	rec.ChangesBefore = map[string]any{"amount": "100.00", "status": "Draft"}
	rec.ChangesAfter = map[string]any{"amount": "150.00", "status": "Draft"}
	rec.IPAddress = "10.0.0.5"
	rec.UserAgent = "tala-web/2.1"

	if err := s.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := s.FindAll(ctx, "t1", "SalesInvoice", "SI-1")
	if err != nil {
		t.Fatal(err)
	}
	got := records[0]
	if got.Description != "amount corrected" || got.IPAddress != "10.0.0.5" || got.UserAgent != "tala-web/2.1" {
		t.Errorf("informational fields lost: %+v", got)
	}
	if got.ChangesBefore["amount"] != "100.00" || got.ChangesAfter["amount"] != "150.00" {
		t.Errorf("snapshots lost: before=%v after=%v", got.ChangesBefore, got.ChangesAfter)
	}
	if !got.HashVerified {
		t.Error("hashVerified flag lost")
	}
}

func TestFindAllWithUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, audit.User{ID: "u1", FirstName: "Maria", LastName: "Santos", Email: "maria@example.com"}); err != nil {
		t.Fatal(err)
	}

	known := testRecord("r1", "t1", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z")
	unknown := testRecord("r2", "t1", "JournalEntry", "JE-1", "Posted", "2025-01-15T10:31:00.000Z")
	unknown.UserID = "ghost"
	s.Insert(ctx, known)
	s.Insert(ctx, unknown)

	entries, err := s.FindAllWithUsers(ctx, "t1", "JournalEntry", "JE-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].User.FirstName != "Maria" || entries[0].User.Email != "maria@example.com" {
		t.Errorf("expected joined user fields, got %+v", entries[0].User)
	}
	// Unknown user degrades to an ID-only stub.
	if entries[1].User.ID != "ghost" || entries[1].User.FirstName != "" {
		t.Errorf("expected ID-only stub for unknown user, got %+v", entries[1].User)
	}
}

func TestUpsertUser_Overwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertUser(ctx, audit.User{ID: "u1", FirstName: "Maria", LastName: "Santos"})
	s.UpsertUser(ctx, audit.User{ID: "u1", FirstName: "Maria", LastName: "Reyes", Email: "mr@example.com"})

	s.Insert(ctx, testRecord("r1", "t1", "User", "u1", "Updated", "2025-01-15T10:30:00.000Z"))
	entries, err := s.FindAllWithUsers(ctx, "t1", "User", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].User.LastName != "Reyes" || entries[0].User.Email != "mr@example.com" {
		t.Errorf("upsert should overwrite: %+v", entries[0].User)
	}
}
