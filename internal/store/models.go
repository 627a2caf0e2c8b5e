package store

import "time"

type Shop struct {
	ShopDomain  string
	AccessToken string
	InstalledAt time.Time
}

type Note struct {
	ID         string
	ShopDomain string
	ProductID  string
	Content    string
	CreatedBy  string
	Photos     []NotePhoto
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type NotePhoto struct {
	ID        string
	NoteID    string
	ObjectKey string
	URL       string
	CreatedAt time.Time
}

// Acknowledgment records that one note was reviewed for one order.
// A row's existence is the definition of "acknowledged"; absence is "pending".
type Acknowledgment struct {
	ID             string
	ShopDomain     string
	OrderID        string
	NoteID         string
	ProductID      string
	AcknowledgedBy string
	SessionID      string
	ProofPhotoURL  string
	AcknowledgedAt time.Time
}

type ReleaseAuthorization struct {
	OrderID    string
	ShopDomain string
	ExpiresAt  time.Time
	Consumed   bool
}

type Settings struct {
	ShopDomain            string
	RequireAcknowledgment bool
	RequirePhotoProof     bool
	BlockFulfillment      bool
}

type AuditEvent struct {
	ID         int64
	ShopDomain string
	EventType  string
	OrderID    string
	Actor      string
	Payload    map[string]any
	CreatedAt  time.Time
}
