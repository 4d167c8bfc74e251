// Package catalog holds the read-only snapshot of wallets and
// sub-allocations the editor works against.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/service"
)

// Usable pairs a wallet with the subset of its allocations that can be
// drawn from for a new sub-allocation.
type Usable struct {
	Wallet      model.Wallet
	Allocations []model.WalletAllocation
}

// FindUsableAllocations returns, per wallet of the requested product type,
// the allocations that are not expired and still have remaining capacity.
// Deeper hierarchy rules are enforced by the server.
func FindUsableAllocations(wallets []model.Wallet, pt model.ProductType, now time.Time) []Usable {
	var result []Usable
	for _, w := range wallets {
		if w.ProductType != pt {
			continue
		}
		var usable []model.WalletAllocation
		for _, a := range w.Allocations {
			if a.Active(now) && a.Remaining(w.ChargeType) > 0 {
				usable = append(usable, a)
			}
		}
		if len(usable) > 0 {
			result = append(result, Usable{Wallet: w, Allocations: usable})
		}
	}
	return result
}

// HasUsableAllocations reports whether any allocation can be drawn from for
// the product type. Used to disable row creation when nothing can be granted.
func HasUsableAllocations(wallets []model.Wallet, pt model.ProductType, now time.Time) bool {
	for _, w := range wallets {
		if w.ProductType != pt {
			continue
		}
		for _, a := range w.Allocations {
			if a.Active(now) && a.Remaining(w.ChargeType) > 0 {
				return true
			}
		}
	}
	return false
}

// Snapshot is an immutable view of the backend state at one point in time.
type Snapshot struct {
	Wallets        []model.Wallet
	SubAllocations []model.SubAllocation
	FetchedAt      time.Time
}

// WalletFor finds the wallet matching a product type and category name.
func (s *Snapshot) WalletFor(pt model.ProductType, category string) *model.Wallet {
	for i := range s.Wallets {
		w := &s.Wallets[i]
		if w.ProductType == pt && w.PaysFor.Name == category {
			return w
		}
	}
	return nil
}

// SubAllocation looks up a sub-allocation by its identity key.
func (s *Snapshot) SubAllocation(id string) *model.SubAllocation {
	for i := range s.SubAllocations {
		if s.SubAllocations[i].ID == id {
			return &s.SubAllocations[i]
		}
	}
	return nil
}

// Catalog fetches and caches snapshots from the accounting backend.
type Catalog struct {
	client   service.AccountingClient
	mu       sync.RWMutex
	snapshot *Snapshot
}

// New creates a catalog backed by the given client. No snapshot is loaded
// until Reload is called.
func New(client service.AccountingClient) *Catalog {
	return &Catalog{client: client}
}

// Reload fetches a fresh snapshot from the backend and replaces the cached
// one. Both pages are fetched in full; the editor never paginates wallets.
func (c *Catalog) Reload(ctx context.Context) (*Snapshot, error) {
	wallets, err := c.client.BrowseWallets(ctx, service.WalletFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to browse wallets: %w", err)
	}

	subs, err := c.client.BrowseSubAllocations(ctx, service.SubAllocationFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to browse sub-allocations: %w", err)
	}

	snap := &Snapshot{
		Wallets:        wallets,
		SubAllocations: subs,
		FetchedAt:      time.Now(),
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	slog.Debug("Catalog reloaded",
		"wallets", len(wallets),
		"sub_allocations", len(subs))

	return snap, nil
}

// Current returns the cached snapshot, or nil if none has been loaded.
func (c *Catalog) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
