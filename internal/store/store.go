// Package store defines the persisted records of the pipeline and the
// repositories the workflows and the escalation path write through.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("store: record not found")
	ErrAlreadyExists     = errors.New("store: record already exists")
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Severity classifies a notification.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Notification is an operator-facing record created by the escalation path.
// It is never mutated after creation.
type Notification struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"userId"`
	Type      Severity       `json:"type"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"isRead"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Wallet holds the ledger identity of one customer. At most one per customer.
type Wallet struct {
	CustomerID        string    `json:"customerId"`
	Address           string    `json:"address"`
	EncryptedKey      string    `json:"-"`
	KYCRef            string    `json:"kycRef"`
	IdentificationRef string    `json:"identificationRef,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Contract maps an estate to its token contract. At most one per estate.
type Contract struct {
	EstateID  string    `json:"estateId"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// IssuanceStatus moves one way: PENDING to ISSUED or FAILED.
type IssuanceStatus string

const (
	IssuancePending IssuanceStatus = "PENDING"
	IssuanceIssued  IssuanceStatus = "ISSUED"
	IssuanceFailed  IssuanceStatus = "FAILED"
)

func (s IssuanceStatus) Terminal() bool {
	return s == IssuanceIssued || s == IssuanceFailed
}

// IssuanceKey identifies one logical issuance across redeliveries.
type IssuanceKey struct {
	CustomerID string
	EstateID   string
	Amount     int64
	Date       time.Time
}

// Issuance records a coin issuance to a subscriber.
type Issuance struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customerId"`
	EstateID      string         `json:"estateId"`
	Amount        int64          `json:"amount"`
	TokenPrice    string         `json:"tokenPrice"`
	Date          time.Time      `json:"date"`
	Status        IssuanceStatus `json:"status"`
	TxHash        string         `json:"txHash,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Key returns the idempotency key of the issuance.
func (i *Issuance) Key() IssuanceKey {
	return IssuanceKey{CustomerID: i.CustomerID, EstateID: i.EstateID, Amount: i.Amount, Date: i.Date}
}

// TransferStatus moves one way: PENDING to TRANSFERRED or FAILED.
type TransferStatus string

const (
	TransferPending     TransferStatus = "PENDING"
	TransferTransferred TransferStatus = "TRANSFERRED"
	TransferFailed      TransferStatus = "FAILED"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferTransferred || s == TransferFailed
}

// Transfer records the settlement of one trade.
type Transfer struct {
	ID               string         `json:"id"`
	TradeID          string         `json:"tradeId"`
	EstateID         string         `json:"estateId"`
	BuyerID          string         `json:"buyerId"`
	SellerID         string         `json:"sellerId"`
	TokenPrice       string         `json:"tokenPrice"`
	TradeTokenAmount int64          `json:"tradeTokenAmount"`
	TradeDate        time.Time      `json:"tradeDate"`
	Status           TransferStatus `json:"status"`
	TxHash           string         `json:"txHash,omitempty"`
	FailureReason    string         `json:"failureReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Wallets stores customer wallets.
type Wallets interface {
	// GetWallet returns ErrNotFound when the customer has no wallet.
	GetWallet(ctx context.Context, customerID string) (*Wallet, error)
	// CreateWallet returns ErrAlreadyExists when the customer has one.
	CreateWallet(ctx context.Context, w *Wallet) error
}

// Contracts stores the estate contract registry.
type Contracts interface {
	GetContract(ctx context.Context, estateID string) (*Contract, error)
	PutContract(ctx context.Context, c *Contract) error
}

// Issuances stores coin issuance records.
type Issuances interface {
	// FindActiveIssuance returns the newest non-FAILED record for key, or ErrNotFound.
	FindActiveIssuance(ctx context.Context, key IssuanceKey) (*Issuance, error)
	CreateIssuance(ctx context.Context, i *Issuance) error
	// CompleteIssuance moves a PENDING record to a terminal status. Any other
	// starting status yields ErrInvalidTransition.
	CompleteIssuance(ctx context.Context, id string, status IssuanceStatus, txHash, reason string) error
	GetIssuance(ctx context.Context, id string) (*Issuance, error)
}

// Transfers stores trade settlement records.
type Transfers interface {
	// FindActiveTransfer returns the newest non-FAILED record for tradeID, or ErrNotFound.
	FindActiveTransfer(ctx context.Context, tradeID string) (*Transfer, error)
	CreateTransfer(ctx context.Context, t *Transfer) error
	CompleteTransfer(ctx context.Context, id string, status TransferStatus, txHash, reason string) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
}

// Notifications stores escalation notifications.
type Notifications interface {
	SaveNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, subjectID string) ([]Notification, error)
}

// Store bundles every repository.
type Store interface {
	Wallets
	Contracts
	Issuances
	Transfers
	Notifications
	Close() error
}
