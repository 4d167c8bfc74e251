// Package model defines the core domain models used throughout the application.
package model

import (
	"strings"
	"time"
)

// ProductType identifies the kind of resource a wallet pays for.
type ProductType string

// Product type constants.
const (
	ProductCompute   ProductType = "COMPUTE"
	ProductStorage   ProductType = "STORAGE"
	ProductIngress   ProductType = "INGRESS"
	ProductLicense   ProductType = "LICENSE"
	ProductNetworkIP ProductType = "NETWORK_IP"
)

// ValidProductType reports whether pt is a known product type.
func ValidProductType(pt ProductType) bool {
	switch pt {
	case ProductCompute, ProductStorage, ProductIngress, ProductLicense, ProductNetworkIP:
		return true
	}
	return false
}

// ChargeType describes how consumption is accounted against a wallet.
type ChargeType string

// Charge type constants.
const (
	ChargeAbsolute          ChargeType = "ABSOLUTE"
	ChargeDifferentialQuota ChargeType = "DIFFERENTIAL_QUOTA"
)

// ProductUnit is the pricing bucket a wallet's balances are expressed in.
type ProductUnit string

// Product unit constants.
const (
	UnitPerUnit          ProductUnit = "PER_UNIT"
	UnitCreditsPerMinute ProductUnit = "CREDITS_PER_MINUTE"
	UnitCreditsPerHour   ProductUnit = "CREDITS_PER_HOUR"
	UnitCreditsPerDay    ProductUnit = "CREDITS_PER_DAY"
	UnitUnitsPerMinute   ProductUnit = "UNITS_PER_MINUTE"
	UnitUnitsPerHour     ProductUnit = "UNITS_PER_HOUR"
	UnitUnitsPerDay      ProductUnit = "UNITS_PER_DAY"
)

// ProductCategoryID names a product category at a specific provider.
type ProductCategoryID struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Wallet is a budget source scoped to one product category and charge model.
// The client holds an immutable snapshot; the accounting backend owns it.
type Wallet struct {
	Owner       string             `json:"owner"`
	PaysFor     ProductCategoryID  `json:"paysFor"`
	ProductType ProductType        `json:"productType"`
	ChargeType  ChargeType         `json:"chargeType"`
	Unit        ProductUnit        `json:"unit"`
	Allocations []WalletAllocation `json:"allocations"`
}

// WalletAllocation is a time-bounded slice of a wallet's budget.
type WalletAllocation struct {
	ID             string     `json:"id"`
	Balance        int64      `json:"balance"`
	InitialBalance int64      `json:"initialBalance"`
	LocalUsage     int64      `json:"localUsage"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	GrantedIn      *string    `json:"grantedIn,omitempty"`
}

// Remaining returns the allocation's remaining capacity under the given
// charge model. For DIFFERENTIAL_QUOTA wallets the quota is tracked
// independently of consumption.
func (a WalletAllocation) Remaining(ct ChargeType) int64 {
	if ct == ChargeDifferentialQuota {
		return a.InitialBalance - a.LocalUsage
	}
	return a.Balance
}

// Active reports whether the allocation is usable at the given instant.
func (a WalletAllocation) Active(now time.Time) bool {
	if now.Before(a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	return true
}

// SubAllocation is one allocation viewed from the granting party: budget
// given to a child workspace (a project or a user). Read-only from the
// server; id is the identity key for drafting purposes.
type SubAllocation struct {
	ID                 string            `json:"id"`
	Path               string            `json:"path"`
	ProductCategoryID  ProductCategoryID `json:"productCategoryId"`
	ProductType        ProductType       `json:"productType"`
	ChargeType         ChargeType        `json:"chargeType"`
	Unit               ProductUnit       `json:"unit"`
	WorkspaceID        string            `json:"workspaceId"`
	WorkspaceTitle     string            `json:"workspaceTitle"`
	WorkspaceIsProject bool              `json:"workspaceIsProject"`
	Remaining          int64             `json:"remaining"`
	InitialBalance     int64             `json:"initialBalance"`
	StartDate          time.Time         `json:"startDate"`
	EndDate            *time.Time        `json:"endDate,omitempty"`
}

// SourceAllocationID returns the allocation this sub-allocation draws from:
// the second-to-last segment of the dot-separated hierarchy path.
func (s SubAllocation) SourceAllocationID() string {
	segments := strings.Split(s.Path, ".")
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-2]
}

// Recipient is the resolved identity a deposit targets. Resolved lazily and
// cached for the session only; identities can change between sessions.
type Recipient struct {
	ID                    string `json:"id"`
	Title                 string `json:"title"`
	IsProject             bool   `json:"isProject"`
	PrincipalInvestigator string `json:"principalInvestigator,omitempty"`
	NumberOfMembers       int    `json:"numberOfMembers,omitempty"`
}
