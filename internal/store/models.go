package store

import "time"

// Monetary values are integer cents throughout. The store never holds
// binary floats for money.

// Product is cloud-owned master data, replicated to every terminal.
type Product struct {
	ID                string     `json:"id"`
	SKU               string     `json:"sku"`
	Name              string     `json:"name"`
	Category          string     `json:"category"` // wine, liquor, beer, other
	Size              string     `json:"size"`     // 750ml, 1L, 1.5L, 1.75L, other
	CostCents         int64      `json:"costCents"`
	PriceCents        int64      `json:"priceCents"`
	ParentProductID   *string    `json:"parentProductId,omitempty"`
	UnitsPerParent    int        `json:"unitsPerParent"`
	LoyaltyMultiplier float64    `json:"loyaltyMultiplier"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// ProductBarcode maps a scanner barcode to a product.
type ProductBarcode struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Barcode   string `json:"barcode"`
	Primary   bool   `json:"primary"`
}

// Inventory is the per-product stock row, co-owned by every terminal.
type Inventory struct {
	ProductID     string    `json:"productId"`
	CurrentStock  int       `json:"currentStock"`
	ReservedStock int       `json:"reservedStock"`
	LastUpdated   time.Time `json:"lastUpdated"`
	LastSynced    time.Time `json:"lastSynced"`
}

// Inventory change types
const (
	ChangeSale       = "sale"
	ChangeReturn     = "return"
	ChangeAdjustment = "adjustment"
	ChangeReceive    = "receive"
)

// InventoryChange is an append-only audit row for every stock mutation.
type InventoryChange struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"productId"`
	ChangeType    string    `json:"changeType"`
	Delta         int       `json:"delta"`
	ResultingQty  int       `json:"resultingQty"`
	TerminalID    string    `json:"terminalId"`
	EmployeeID    string    `json:"employeeId"`
	TransactionID *string   `json:"transactionId,omitempty"`
	ItemID        *string   `json:"itemId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Employee is cloud-owned master data. The PIN hash is opaque to the sync
// core; authentication happens in the operator shell.
type Employee struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	PinHash          string    `json:"pinHash"`
	Active           bool      `json:"active"`
	CanOverridePrice bool      `json:"canOverridePrice"`
	CanVoidTxn       bool      `json:"canVoidTransaction"`
	IsManager        bool      `json:"isManager"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Customer rows exist for loyalty lookups; phone is unique.
type Customer struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Points    int       `json:"points"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction statuses
const (
	TxnPending   = "pending"
	TxnCompleted = "completed"
	TxnVoided    = "voided"
	TxnRefunded  = "refunded"
)

// Transaction sync statuses
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Transaction is a completed, already-priced sale.
type Transaction struct {
	ID                    string     `json:"id"` // ULID
	Number                string     `json:"number"`
	EmployeeID            string     `json:"employeeId"`
	CustomerID            *string    `json:"customerId,omitempty"`
	SubtotalCents         int64      `json:"subtotalCents"`
	TaxCents              int64      `json:"taxCents"`
	DiscountCents         int64      `json:"discountCents"`
	TotalCents            int64      `json:"totalCents"`
	PointsEarned          int        `json:"pointsEarned"`
	PointsRedeemed        int        `json:"pointsRedeemed"`
	Status                string     `json:"status"`
	SalesChannel          string     `json:"salesChannel"`
	TerminalID            string     `json:"terminalId"`
	SyncStatus            string     `json:"syncStatus"`
	OriginalTransactionID *string    `json:"originalTransactionId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	Metadata              string     `json:"metadata,omitempty"` // free-form JSON
}

// TransactionItem is one line of a transaction.
type TransactionItem struct {
	ID             string  `json:"id"`
	TransactionID  string  `json:"transactionId"`
	ProductID      string  `json:"productId"`
	Quantity       int     `json:"quantity"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	DiscountCents  int64   `json:"discountCents"`
	TotalCents     int64   `json:"totalCents"`
	DiscountReason *string `json:"discountReason,omitempty"`
	Returned       bool    `json:"returned"`
}

// Payment methods
const (
	PayCash          = "cash"
	PayCredit        = "credit"
	PayDebit         = "debit"
	PayGiftCard      = "gift_card"
	PayLoyaltyPoints = "loyalty_points"
	PayEmployeeTab   = "employee_tab"
	PayThirdParty    = "third_party"
)

// Payment is one tender against a transaction.
type Payment struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	Method        string  `json:"method"`
	AmountCents   int64   `json:"amountCents"`
	CardLast4     *string `json:"cardLast4,omitempty"`
	CardType      *string `json:"cardType,omitempty"`
	AuthCode      *string `json:"authCode,omitempty"`
	TenderedCents *int64  `json:"tenderedCents,omitempty"`
	ChangeCents   *int64  `json:"changeCents,omitempty"`
	GiftCardID    *string `json:"giftCardId,omitempty"`
	PointsUsed    *int    `json:"pointsUsed,omitempty"`
}

// DiscountRule is a cloud-owned pricing rule. CaseDiscount distinguishes
// the case-quantity rule family from plain rules; both ride the same topic.
type DiscountRule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	MinQuantity  int       `json:"minQuantity"`
	PercentOff   float64   `json:"percentOff"`
	CaseDiscount bool      `json:"caseDiscount"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Outbox statuses
const (
	StatusPending  = "pending"
	StatusPeerAck  = "peer_ack"
	StatusCloudAck = "cloud_ack"
	StatusError    = "error"
)

// OutboxRow is a durable intent-to-replicate, co-committed with the
// business write it describes.
type OutboxRow struct {
	ID           string     `json:"id"` // ULID, chronological
	Topic        string     `json:"topic"`
	Payload      []byte     `json:"payload"`
	Status       string     `json:"status"`
	Retries      int        `json:"retries"`
	CreatedAt    time.Time  `json:"createdAt"`
	PeerAckedAt  *time.Time `json:"peerAckedAt,omitempty"`
	CloudAckedAt *time.Time `json:"cloudAckedAt,omitempty"`
}

// InboxEntry records that a message id has been applied at this terminal.
// Uniqueness of MessageID is the sole idempotency guard.
type InboxEntry struct {
	MessageID    string    `json:"messageId"`
	FromTerminal string    `json:"fromTerminal"`
	Topic        string    `json:"topic"`
	Payload      []byte    `json:"payload"`
	ProcessedAt  time.Time `json:"processedAt"`
}

// Alert is a persisted operator alert, primarily reconciler divergences.
type Alert struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	ProductID *string   `json:"productId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
