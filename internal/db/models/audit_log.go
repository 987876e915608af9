package models

import "time"

// Audit event names, one per merchant lifecycle transition.
const (
	EventMerchantCreated = "merchant_created"
	EventMerchantUpdated = "merchant_updated"
	EventMerchantRevoked = "merchant_revoked"
)

// AuditLog is an append-only record of a merchant mutation. Rows are
// never updated or deleted.
type AuditLog struct {
	ID         string `gorm:"primaryKey"` // UUID
	MerchantID string `gorm:"index"`
	Event      string
	Timestamp  time.Time
	AppVersion string
	IP         string
	UserAgent  string
}
