// Package audit implements the tamper-evident, hash-chained audit trail for
// financial entities.
//
// Every significant mutation (posting a journal entry, voiding an invoice,
// editing a vendor) is recorded as an AuditRecord whose hash is computed as
//
//	SHA-256(previousHash + entityType + entityId + action + createdAt + userId)
//
// with plain string concatenation — no delimiters, no envelope. Each record
// links to the previous record for the same (tenant, entityType, entityId)
// tuple, so editing any hashed field in storage breaks the chain from that
// point forward. The Writer appends linked records; the Verifier recomputes
// hashes at read time and reports where a chain broke.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TimeLayout is the pinned serialization of CreatedAt: ISO-8601 UTC with
// millisecond precision. The timestamp string is hash input, so the layout
// is part of the cryptographic contract — formatting in a local zone or at
// a different precision silently invalidates every previously written chain.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime serializes a timestamp in the pinned chain layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// computeDataHash calculates the chain hash for one record.
//
// Field order and the delimiter-free concatenation must be preserved exactly
// for compatibility with previously written chains. The root sentinel is the
// empty previousHash.
func computeDataHash(previousHash, entityType, entityID, action, createdAt, userID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s%s%s%s%s%s",
		previousHash, entityType, entityID,
		action, createdAt, userID)
	return hex.EncodeToString(h.Sum(nil))
}

// recordHash recomputes a record's expected hash from its own stored fields,
// including its own stored PreviousHash.
func recordHash(r *AuditRecord) string {
	return computeDataHash(r.PreviousHash, r.EntityType, r.EntityID, r.Action, r.CreatedAt, r.UserID)
}

// verifyRecord reports whether a record's stored DataHash matches the hash
// recomputed from its contents. The stored HashVerified breadcrumb is never
// consulted — it could itself be stale or edited.
func verifyRecord(r *AuditRecord) bool {
	return r.DataHash == recordHash(r)
}
