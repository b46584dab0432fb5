package audit

import (
	"testing"
	"time"
)

func TestComputeDataHash_KnownVector(t *testing.T) {
	// Digest of the delimiter-free concatenation
	// "JournalEntryJE-1Created2025-01-15T10:30:00.000Zu1" with an empty
	// (root) previousHash. Pinned so any change to field order, delimiters,
	// or encoding shows up as a byte-level break.
	got := computeDataHash("", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z", "u1")
	want := "055e97c0c4331c2eb0dbb77637f7a87e69d08a591521c3782fe5b050894150af"
	if got != want {
		t.Errorf("root hash: expected %s, got %s", want, got)
	}

	linked := computeDataHash(got, "JournalEntry", "JE-1", "Posted", "2025-01-15T10:31:00.000Z", "u1")
	wantLinked := "856cbe3ba6c05f176dd316647f64948c5c070db1dd053658a01c3b4da449a604"
	if linked != wantLinked {
		t.Errorf("linked hash: expected %s, got %s", wantLinked, linked)
	}
}

func TestComputeDataHash_Deterministic(t *testing.T) {
	h1 := computeDataHash("abc", "Vendor", "VEND-003", "Updated", "2025-02-01T08:00:00.000Z", "u2")
	h2 := computeDataHash("abc", "Vendor", "VEND-003", "Updated", "2025-02-01T08:00:00.000Z", "u2")
	if h1 != h2 {
		t.Error("same input should produce the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestComputeDataHash_SensitiveToEveryField(t *testing.T) {
	base := computeDataHash("prev", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z", "u1")

	variants := []struct {
		name string
		hash string
	}{
		{"previousHash", computeDataHash("other", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z", "u1")},
		{"entityType", computeDataHash("prev", "SalesInvoice", "JE-1", "Created", "2025-01-15T10:30:00.000Z", "u1")},
		{"entityId", computeDataHash("prev", "JournalEntry", "JE-2", "Created", "2025-01-15T10:30:00.000Z", "u1")},
		{"action", computeDataHash("prev", "JournalEntry", "JE-1", "Updated", "2025-01-15T10:30:00.000Z", "u1")},
		{"createdAt", computeDataHash("prev", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.001Z", "u1")},
		{"userId", computeDataHash("prev", "JournalEntry", "JE-1", "Created", "2025-01-15T10:30:00.000Z", "u2")},
	}

	for _, v := range variants {
		if v.hash == base {
			t.Errorf("changing %s should produce a different hash", v.name)
		}
	}
}

func TestFormatTime_PinnedLayout(t *testing.T) {
	// Non-UTC input with sub-millisecond precision must still serialize as
	// UTC with exactly three fractional digits.
	loc := time.FixedZone("PHT", 8*3600)
	in := time.Date(2025, 1, 15, 18, 30, 0, 123456789, loc)

	got := FormatTime(in)
	want := "2025-01-15T10:30:00.123Z"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestVerifyRecord(t *testing.T) {
	rec := AuditRecord{
		EntityType:   "JournalEntry",
		EntityID:     "JE-1",
		Action:       "Created",
		CreatedAt:    "2025-01-15T10:30:00.000Z",
		UserID:       "u1",
		PreviousHash: "",
	}
	rec.DataHash = recordHash(&rec)

	if !verifyRecord(&rec) {
		t.Error("record with correct hash should verify")
	}

	rec.Action = "Deleted"
	if verifyRecord(&rec) {
		t.Error("record with tampered action should not verify")
	}
}
