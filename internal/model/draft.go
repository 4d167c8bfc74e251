package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RowStatus tags a draft row with the outcome of its last validation pass.
type RowStatus string

// Row status constants.
const (
	RowStatusNone    RowStatus = ""
	RowStatusInvalid RowStatus = "INVALID"
	RowStatusLoading RowStatus = "LOADING"
	RowStatusWarning RowStatus = "WARNING"
	RowStatusStale   RowStatus = "STALE"
)

// RecipientKind distinguishes project recipients from user recipients.
type RecipientKind string

// Recipient kind constants.
const (
	RecipientProject RecipientKind = "PROJECT"
	RecipientUser    RecipientKind = "USER"
)

// syntheticPrefix marks rows that have never been saved to the backend.
const syntheticPrefix = "unsaved-"

// DraftRow is one locally edited sub-allocation row. Field values are kept
// as entered; the classifier validates and converts them at save time. A row
// with Deleted set carries no field values.
type DraftRow struct {
	ID            string        `json:"id"`
	Deleted       bool          `json:"deleted"`
	RecipientKind RecipientKind `json:"recipientKind,omitempty"`
	Recipient     string        `json:"recipient,omitempty"`
	ProductType   ProductType   `json:"productType,omitempty"`
	Product       string        `json:"product,omitempty"`
	AllocationID  string        `json:"allocationId,omitempty"`
	StartDate     string        `json:"startDate,omitempty"`
	EndDate       string        `json:"endDate,omitempty"`
	Amount        string        `json:"amount,omitempty"`
	Unit          ProductUnit   `json:"unit,omitempty"`
	Status        RowStatus     `json:"status,omitempty"`
}

// Synthetic reports whether the row is a pending creation that has no
// server-side counterpart.
func (r DraftRow) Synthetic() bool {
	return IsSyntheticRowID(r.ID)
}

// IsSyntheticRowID reports whether id names a never-saved row.
func IsSyntheticRowID(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}

// NewDraftSession returns a fresh session identifier for synthetic row ids.
func NewDraftSession() string {
	return uuid.NewString()
}

// SyntheticRowID builds a session-scoped id for a row created locally.
func SyntheticRowID(session string, seq int) string {
	return fmt.Sprintf("%s%s-%d", syntheticPrefix, session, seq)
}
