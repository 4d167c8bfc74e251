// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/hferg/suballoc/internal/model"
)

// WalletFilter defines filtering options for wallet queries.
type WalletFilter struct {
	ProductType  model.ProductType
	ItemsPerPage int
}

// SubAllocationFilter defines filtering options for sub-allocation queries.
type SubAllocationFilter struct {
	ProductType  model.ProductType
	ItemsPerPage int
}

// DepositRequest creates a new allocation under a source allocation.
type DepositRequest struct {
	RecipientID        string     `json:"recipientId"`
	RecipientIsProject bool       `json:"recipientIsProject"`
	SourceAllocation   string     `json:"sourceAllocation"`
	Amount             int64      `json:"amount"`
	Description        string     `json:"description"`
	StartDate          time.Time  `json:"startDate"`
	EndDate            *time.Time `json:"endDate,omitempty"`
}

// AllocationUpdate changes the balance or dates of an existing allocation.
// Closing an allocation is an update that end-dates it immediately.
type AllocationUpdate struct {
	ID        string     `json:"id"`
	Balance   int64      `json:"balance"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Reason    string     `json:"reason"`
}

// AccountingClient defines the contract with the accounting backend. The
// backend enforces authorization and ledger invariants; the client only
// orchestrates requests.
type AccountingClient interface {
	BrowseWallets(ctx context.Context, filter WalletFilter) ([]model.Wallet, error)
	BrowseSubAllocations(ctx context.Context, filter SubAllocationFilter) ([]model.SubAllocation, error)
	SearchSubAllocations(ctx context.Context, query string, filter SubAllocationFilter) ([]model.SubAllocation, error)
	RetrieveRecipient(ctx context.Context, query string) (*model.Recipient, error)
	Deposit(ctx context.Context, items []DepositRequest, dry bool) error
	UpdateAllocation(ctx context.Context, items []AllocationUpdate, dry bool) error
}

// DraftStore defines the contract for the durable draft persistence layer.
// Every mutation is written through to durable storage before returning.
type DraftStore interface {
	Load(ctx context.Context) (map[string]model.DraftRow, error)
	SetRow(ctx context.Context, row model.DraftRow) error
	MarkDeleted(ctx context.Context, rowID string) error
	Remove(ctx context.Context, rowID string) error
	Clear(ctx context.Context) error
	Close() error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
