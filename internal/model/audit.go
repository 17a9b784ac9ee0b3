package model

import "time"

// AuditAction names a committed change to a line item.
type AuditAction string

const (
	AuditImportCreated    AuditAction = "import_created"
	AuditImportSynced     AuditAction = "import_synced"
	AuditQuantityAdded    AuditAction = "quantity_added"
	AuditQuantityUpdated  AuditAction = "quantity_updated"
	AuditQuantityDeleted  AuditAction = "quantity_deleted"
	AuditGoverningChanged AuditAction = "governing_changed"
	AuditUnbalanceMarked  AuditAction = "unbalance_marked"
	AuditUnbalanceCleared AuditAction = "unbalance_cleared"
)

// AuditEvent is one append-only entry in a line item's history. It is written
// in the same transaction as the change it describes.
type AuditEvent struct {
	ID         string         `json:"id"`
	LineItemID string         `json:"line_item_id"`
	Action     AuditAction    `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
