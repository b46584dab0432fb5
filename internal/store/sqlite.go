// Package store implements the durable ledger store on SQLite.
//
// audit_logs is the append-only table of chained records; the seq rowid is
// the tiebreaker when created_at strings collide at millisecond granularity,
// so both the per-entity and the tenant-wide flat orderings are total. The
// users table is the minimal identity projection joined into audit trail
// responses.
//
// WAL mode lets the server append while the CLI reads the same file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/talaledger/talad/internal/audit"
)

const schema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		tenant_id      TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		action         TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		changes_before TEXT NOT NULL DEFAULT '',
		changes_after  TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		previous_hash  TEXT NOT NULL DEFAULT '',
		data_hash      TEXT NOT NULL,
		hash_verified  INTEGER NOT NULL DEFAULT 0,
		ip_address     TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs(tenant_id, entity_type, entity_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_logs(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name  TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL DEFAULT ''
	);
`

const recordColumns = `id, tenant_id, entity_type, entity_id, action, description,
	changes_before, changes_after, created_at, user_id,
	previous_hash, data_hash, hash_verified, ip_address, user_agent`

// Store is the SQLite-backed audit.LedgerStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at the given path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger store %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindLatest returns the chain tip for one entity tuple, or nil when the
// tuple has no history.
func (s *Store) FindLatest(ctx context.Context, tenantID, entityType, entityID string) (*audit.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_logs
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		tenantID, entityType, entityID,
	)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying chain tip: %w", err)
	}
	return rec, nil
}

// Insert appends one record as a single atomic write. Failures propagate —
// the caller decides whether the triggering business mutation stands.
func (s *Store) Insert(ctx context.Context, rec *audit.AuditRecord) error {
	before, err := marshalChanges(rec.ChangesBefore)
	if err != nil {
		return fmt.Errorf("encoding changesBefore: %w", err)
	}
	after, err := marshalChanges(rec.ChangesAfter)
	if err != nil {
		return fmt.Errorf("encoding changesAfter: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.EntityType, rec.EntityID, rec.Action, rec.Description,
		before, after, rec.CreatedAt, rec.UserID,
		rec.PreviousHash, rec.DataHash, boolToInt(rec.HashVerified), rec.IPAddress, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// FindAll returns one entity tuple's records, createdAt ascending.
func (s *Store) FindAll(ctx context.Context, tenantID, entityType, entityID string) ([]audit.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_logs
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		tenantID, entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying entity records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// FindAllForTenant returns every record for a tenant across all entities,
// createdAt ascending — the flat ordering the tampering scan runs over.
func (s *Store) FindAllForTenant(ctx context.Context, tenantID string) ([]audit.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_logs
		 WHERE tenant_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tenant records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// FindAllWithUsers returns one entity tuple's records joined with the acting
// users' display fields. A user missing from the projection degrades to an
// ID-only stub rather than an error.
func (s *Store) FindAllWithUsers(ctx context.Context, tenantID, entityType, entityID string) ([]audit.TrailEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.tenant_id, a.entity_type, a.entity_id, a.action, a.description,
		        a.changes_before, a.changes_after, a.created_at, a.user_id,
		        a.previous_hash, a.data_hash, a.hash_verified, a.ip_address, a.user_agent,
		        COALESCE(u.first_name, ''), COALESCE(u.last_name, ''), COALESCE(u.email, '')
		 FROM audit_logs a
		 LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.tenant_id = ? AND a.entity_type = ? AND a.entity_id = ?
		 ORDER BY a.created_at ASC, a.seq ASC`,
		tenantID, entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []audit.TrailEntry
	for rows.Next() {
		var e audit.TrailEntry
		var before, after string
		var verified int
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action, &e.Description,
			&before, &after, &e.CreatedAt, &e.UserID,
			&e.PreviousHash, &e.DataHash, &verified, &e.IPAddress, &e.UserAgent,
			&e.User.FirstName, &e.User.LastName, &e.User.Email,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trail row: %w", err)
		}
		e.HashVerified = verified != 0
		e.ChangesBefore = unmarshalChanges(before)
		e.ChangesAfter = unmarshalChanges(after)
		e.User.ID = e.UserID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertUser refreshes the identity projection for trail joins.
func (s *Store) UpsertUser(ctx context.Context, u audit.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, first_name, last_name, email) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name,
		                               last_name = excluded.last_name,
		                               email = excluded.email`,
		u.ID, u.FirstName, u.LastName, u.Email,
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.AuditRecord, error) {
	var rec audit.AuditRecord
	var before, after string
	var verified int
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.EntityType, &rec.EntityID, &rec.Action, &rec.Description,
		&before, &after, &rec.CreatedAt, &rec.UserID,
		&rec.PreviousHash, &rec.DataHash, &verified, &rec.IPAddress, &rec.UserAgent,
	)
	if err != nil {
		return nil, err
	}
	rec.HashVerified = verified != 0
	rec.ChangesBefore = unmarshalChanges(before)
	rec.ChangesAfter = unmarshalChanges(after)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]audit.AuditRecord, error) {
	var records []audit.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// marshalChanges encodes a snapshot map as JSON text; nil maps persist as
// the empty string.
func marshalChanges(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalChanges decodes a stored snapshot. Malformed snapshot text is
// informational-only data and decodes to nil rather than failing the read.
func unmarshalChanges(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
