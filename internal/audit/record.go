package audit

import "context"

// Entity type tags for audited business objects. The set is open-ended —
// callers may pass other short tokens — but these cover the entities the
// accounting services audit today.
const (
	EntityJournalEntry    = "JournalEntry"
	EntitySalesInvoice    = "SalesInvoice"
	EntityPurchaseInvoice = "PurchaseInvoice"
	EntityVendor          = "Vendor"
	EntityCustomer        = "Customer"
	EntityContact         = "Contact"
	EntityPermission      = "Permission"
	EntityTenant          = "Tenant"
	EntityUser            = "User"
)

// Common action tags. Actions are short enumerable tokens, never free text;
// free-form detail belongs in Description.
const (
	ActionCreated            = "Created"
	ActionUpdated            = "Updated"
	ActionDeleted            = "Deleted"
	ActionViewed             = "Viewed"
	ActionVoided             = "Voided"
	ActionPosted             = "Posted"
	ActionSent               = "Sent"
	ActionPaid               = "Paid"
	ActionExported           = "Exported"
	ActionUnauthorizedAccess = "UnauthorizedAccessAttempt"
	ActionCrossTenantAccess  = "CrossTenantAccessAttempt"
)

// AuditRecord is the atomic unit of the audit chain. Records are append-only:
// once written they are never updated or deleted — reversing a business
// action produces a new record (e.g. action=Voided), not a mutation of
// history.
//
// Only PreviousHash, EntityType, EntityID, Action, CreatedAt, and UserID
// participate in the hash. Description, the change snapshots, and the
// provenance fields are informational and may be edited in storage without
// breaking the chain — by design, so operators can redact free text.
type AuditRecord struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Action        string         `json:"action"`
	Description   string         `json:"description,omitempty"`
	ChangesBefore map[string]any `json:"changesBefore,omitempty"`
	ChangesAfter  map[string]any `json:"changesAfter,omitempty"`
	CreatedAt     string         `json:"createdAt"`
	UserID        string         `json:"userId"`
	PreviousHash  string         `json:"previousHash"`
	DataHash      string         `json:"dataHash"`
	HashVerified  bool           `json:"hashVerified"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
}

// Event is the payload a business service submits when a mutation completes.
// TenantID, UserID, EntityType, EntityID, and Action are required; the rest
// is optional provenance and snapshot data.
type Event struct {
	TenantID      string         `json:"tenantId"`
	UserID        string         `json:"userId"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Action        string         `json:"action"`
	Description   string         `json:"description,omitempty"`
	ChangesBefore map[string]any `json:"changesBefore,omitempty"`
	ChangesAfter  map[string]any `json:"changesAfter,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
}

// User is the minimal identity projection joined into audit trail responses.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// TrailEntry is an AuditRecord decorated with the acting user's display
// fields for presentation to an operator.
type TrailEntry struct {
	AuditRecord
	User User `json:"user"`
}

// LedgerStore is the durable, append-capable ordered store the chain
// subsystem runs against. Ordering contracts:
//
//   - FindLatest returns the chain tip for one entity tuple (createdAt
//     descending, limit 1), or nil when the tuple has no history.
//   - FindAll returns one entity tuple's records, createdAt ascending.
//   - FindAllForTenant returns every record for a tenant across all
//     entities, createdAt ascending — the flat ordering the tampering
//     scan depends on.
//   - Insert persists one complete record atomically; partial writes must
//     not occur.
//
// Records are immutable once inserted; the store exposes no update or
// delete.
type LedgerStore interface {
	FindLatest(ctx context.Context, tenantID, entityType, entityID string) (*AuditRecord, error)
	Insert(ctx context.Context, rec *AuditRecord) error
	FindAll(ctx context.Context, tenantID, entityType, entityID string) ([]AuditRecord, error)
	FindAllForTenant(ctx context.Context, tenantID string) ([]AuditRecord, error)
	FindAllWithUsers(ctx context.Context, tenantID, entityType, entityID string) ([]TrailEntry, error)
}
