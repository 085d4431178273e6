package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderState string

const (
	OrderCreated          OrderState = "created"
	OrderAwaitingPayment  OrderState = "awaiting_payment"
	OrderPaymentConfirmed OrderState = "payment_confirmed"
	OrderProvisioning     OrderState = "provisioning"
	OrderRetryWait        OrderState = "retry_wait"
	OrderFulfilled        OrderState = "fulfilled"
	OrderExpired          OrderState = "expired"
	OrderFailed           OrderState = "failed"
	OrderRefunded         OrderState = "refunded"
)

// stateRank defines the forward partial order of the lifecycle. Transitions
// may only move to a state of equal or higher rank; retry_wait and
// provisioning share a rank because the retry loop bounces between them.
var stateRank = map[OrderState]int{
	OrderCreated:          0,
	OrderAwaitingPayment:  1,
	OrderPaymentConfirmed: 2,
	OrderProvisioning:     3,
	OrderRetryWait:        3,
	OrderFulfilled:        4,
	OrderExpired:          4,
	OrderFailed:           4,
	OrderRefunded:         5,
}

// Rank returns the position of s in the lifecycle ordering.
func (s OrderState) Rank() int {
	return stateRank[s]
}

// Terminal reports whether no further transition is possible. fulfilled is
// excluded because a manual refund can still move it to refunded.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderExpired, OrderFailed, OrderRefunded:
		return true
	}
	return false
}

// Order is a single purchase intent. It is created when the buyer confirms
// intent to pay, mutated only by the order state machine, and never deleted:
// terminal orders are retained for audit and referral reconciliation.
type Order struct {
	ID             string          `gorm:"primaryKey;size:64;not null"`
	BuyerID        int64           `gorm:"index;not null"`
	HostName       string          `gorm:"size:64;index;not null"`
	PlanID         uint            `gorm:"not null"`
	Months         int             `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric;not null"`
	Currency       string          `gorm:"size:8;not null"`
	State          OrderState      `gorm:"size:32;index;not null"`
	IdempotencyKey string          `gorm:"size:64;uniqueIndex;not null"`

	// Set once on payment confirmation; later events carrying the same
	// transaction id are absorbed as idempotent no-ops.
	PaymentProvider string `gorm:"size:32"`
	PaymentTxID     string `gorm:"size:128;index"`

	// RenewOrderID points at the order whose credential this purchase
	// extends, when the buyer renews instead of buying a new key.
	RenewOrderID *string `gorm:"size:64"`

	// Provisioning retry bookkeeping, re-driven by the background sweep.
	Attempts      int
	NextAttemptAt *time.Time `gorm:"index"`

	ReviewFlag     bool `gorm:"index"` // held for an operator (amount mismatch, host rejection)
	RefundEligible bool // payment captured but no credential issued
	Settled        bool // referral settlement completed
	Notified       bool // buyer told the final outcome

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventStatus records what the ingress pipeline did with an inbound
// provider notification.
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventRejected  EventStatus = "rejected"
	EventOrphaned  EventStatus = "orphaned"
	EventMismatch  EventStatus = "mismatch"
)

// PaymentEvent is the durable record of one inbound provider notification.
// (Provider, TxID) is unique: a redelivery of the same transaction id is a
// duplicate regardless of payload differences.
type PaymentEvent struct {
	Provider    string          `gorm:"primaryKey;size:32;not null"`
	TxID        string          `gorm:"primaryKey;size:128;not null"`
	OrderID     string          `gorm:"size:64;index"`
	Amount      decimal.Decimal `gorm:"type:numeric"`
	Currency    string          `gorm:"size:8"`
	PayloadHash string          `gorm:"size:64;not null"`
	Status      EventStatus     `gorm:"size:16;index;not null"`
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// ProvisioningRecord is the result of a successful credential issue on a
// remote panel host. Exactly one non-revoked record exists per fulfilled
// order; the record is owned by the order state machine, panel clients only
// return results for it to persist.
type ProvisioningRecord struct {
	OrderID          string `gorm:"primaryKey;size:64;not null"`
	HostName         string `gorm:"size:64;index;not null"`
	ClientID         string `gorm:"size:64;not null"` // remote credential identifier
	KeyEmail         string `gorm:"size:128;uniqueIndex;not null"`
	ConnectionString string
	SubscriptionURL  string
	IssuedAt         time.Time
	ExpiresAt        time.Time `gorm:"index"`
	LastRenewalAt    *time.Time
	Revoked          bool
}

type CreditKind string

const (
	CreditPercent       CreditKind = "percent"
	CreditFixedPurchase CreditKind = "fixed_purchase"
	CreditSignupBonus   CreditKind = "signup_bonus"
)

// ReferralCredit is a ledger entry crediting a referrer for one order.
// The (OrderID, Kind) unique index enforces at most one credit per rule
// per order.
type ReferralCredit struct {
	ID         uint            `gorm:"primaryKey"`
	ReferrerID int64           `gorm:"index;not null"`
	OrderID    string          `gorm:"size:64;uniqueIndex:idx_credit_order_kind;not null"`
	Kind       CreditKind      `gorm:"size:32;uniqueIndex:idx_credit_order_kind;not null"`
	Amount     decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt  time.Time
}

// User is a buyer. ReferredBy carries the referrer's id when the buyer
// arrived through a referral link.
type User struct {
	TelegramID         int64           `gorm:"primaryKey"`
	Username           string          `gorm:"size:64"`
	Balance            decimal.Decimal `gorm:"type:numeric"`
	ReferredBy         *int64          `gorm:"index"`
	ReferralTotal      decimal.Decimal `gorm:"type:numeric"` // lifetime referral earnings
	SignupBonusGranted bool
	TotalSpent         decimal.Decimal `gorm:"type:numeric"`
	TotalMonths        int
	CreatedAt          time.Time
}

type PanelType string

const (
	PanelXUI       PanelType = "xui"
	PanelRemnawave PanelType = "remnawave"
)

// Host is one remote VPN-panel instance. Endpoint, credentials and protocol
// details are configuration, looked up by name when an order is provisioned.
type Host struct {
	Name            string    `gorm:"primaryKey;size:64;not null"`
	PanelType       PanelType `gorm:"size:16;not null"`
	URL             string    `gorm:"not null"`
	Username        string    `gorm:"size:64"`
	Password        string    `gorm:"size:128"`
	APIToken        string    `gorm:"size:256"`
	InboundID       int
	SubscriptionURL string

	// Unhealthy hosts are skipped for new orders until an operator
	// restores panel access.
	Healthy bool `gorm:"default:true"`

	// Per-host provisioning limits; zero falls back to dispatcher defaults.
	MaxConcurrent int
	RateLimitRPS  float64
}

// Plan is a purchasable duration/price pair offered on a specific host.
type Plan struct {
	ID       uint            `gorm:"primaryKey"`
	HostName string          `gorm:"size:64;index;not null"`
	Name     string          `gorm:"size:64;not null"`
	Months   int             `gorm:"not null"`
	Price    decimal.Decimal `gorm:"type:numeric;not null"`
	Currency string          `gorm:"size:8;not null"`
}
