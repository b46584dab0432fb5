package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned by Append when a required event field is
// missing. Checked with errors.Is by callers that map it to a 400 response.
var ErrInvalidEvent = errors.New("invalid audit event")

// BypassID is the sentinel returned by Append when the development-only
// bypass is active and nothing was persisted.
const BypassID = "dev-audit-log"

// Writer appends hash-chained audit records. One Writer is shared by all
// request handlers; it serializes appends per (tenant, entityType, entityId)
// tuple so every new record's PreviousHash reflects the true chain tip.
// Without that serialization two concurrent appends could read the same tip
// and fork the chain.
type Writer struct {
	store LedgerStore

	// bypass short-circuits Append without persisting. Development-only:
	// it exists so a backend running with authentication disabled can
	// start without a configured datastore. Never enable in production.
	bypass bool

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter creates a chain writer over the given store. bypass enables the
// development-only no-op mode (see Writer).
func NewWriter(store LedgerStore, bypass bool) *Writer {
	if bypass {
		slog.Warn("audit writer running in bypass mode — records are NOT persisted (development only)")
	}
	return &Writer{
		store:  store,
		bypass: bypass,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Append durably appends one audit record for a business event, linked to
// the entity's most recent prior record, and returns the new record's id.
//
// The store round-trips (read tip, insert) are the only suspension points;
// failures propagate to the caller, which decides whether to roll back the
// business mutation or retry. No retries happen here.
func (w *Writer) Append(ctx context.Context, ev Event) (string, error) {
	if err := validateEvent(ev); err != nil {
		return "", err
	}

	if w.bypass {
		return BypassID, nil
	}

	// Serialize appends for this tuple. Readers are unaffected: records
	// are immutable once written.
	lock := w.tupleLock(ev.TenantID, ev.EntityType, ev.EntityID)
	lock.Lock()
	defer lock.Unlock()

	tip, err := w.store.FindLatest(ctx, ev.TenantID, ev.EntityType, ev.EntityID)
	if err != nil {
		return "", fmt.Errorf("reading chain tip: %w", err)
	}

	previousHash := ""
	if tip != nil {
		previousHash = tip.DataHash
	}

	createdAt := FormatTime(w.now())

	rec := &AuditRecord{
		ID:            uuid.NewString(),
		TenantID:      ev.TenantID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Action:        ev.Action,
		Description:   ev.Description,
		ChangesBefore: ev.ChangesBefore,
		ChangesAfter:  ev.ChangesAfter,
		CreatedAt:     createdAt,
		UserID:        ev.UserID,
		PreviousHash:  previousHash,
		DataHash:      computeDataHash(previousHash, ev.EntityType, ev.EntityID, ev.Action, createdAt, ev.UserID),
		IPAddress:     ev.IPAddress,
		UserAgent:     ev.UserAgent,
	}

	// Write-time breadcrumb: recompute and compare. Always true unless an
	// encoding bug slipped in; real verification happens at read time over
	// the full chain.
	rec.HashVerified = verifyRecord(rec)

	if err := w.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("appending audit record: %w", err)
	}

	slog.Debug("audit record appended",
		"tenant", rec.TenantID, "entity_type", rec.EntityType,
		"entity_id", rec.EntityID, "action", rec.Action)
	return rec.ID, nil
}

// validateEvent rejects malformed events before any store access.
func validateEvent(ev Event) error {
	switch {
	case ev.TenantID == "":
		return fmt.Errorf("%w: tenantId is required", ErrInvalidEvent)
	case ev.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	case ev.EntityType == "":
		return fmt.Errorf("%w: entityType is required", ErrInvalidEvent)
	case ev.EntityID == "":
		return fmt.Errorf("%w: entityId is required", ErrInvalidEvent)
	case ev.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	return nil
}

// tupleLock returns the mutex guarding one entity tuple's chain. The map
// grows with the number of distinct audited entities, which is bounded by
// the tenant's data set.
func (w *Writer) tupleLock(tenantID, entityType, entityID string) *sync.Mutex {
	key := tenantID + "\x00" + entityType + "\x00" + entityID

	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[key] = lock
	}
	return lock
}
