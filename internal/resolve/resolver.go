// Package resolve turns free-text recipient identifiers (project titles or
// usernames) into canonical recipient ids.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/service"
)

// Resolution errors.
var (
	// ErrAmbiguous means more than one project shares the queried title and
	// the user must disambiguate with a full id.
	ErrAmbiguous = errors.New("recipient title is ambiguous")
	// ErrProjectNotFound means no project matched the query.
	ErrProjectNotFound = fmt.Errorf("project %w", common.ErrNotFound)
	// ErrUserNotFound means no user matched the query.
	ErrUserNotFound = fmt.Errorf("user %w", common.ErrNotFound)
)

// ProjectRef is one entry of the local project-title lookup table, built
// from the current page of sub-allocations.
type ProjectRef struct {
	ProjectID      string
	AllocationRows []string
}

type cacheEntry struct {
	recipient *model.Recipient
	err       error
}

type inflightCall struct {
	done      chan struct{}
	recipient *model.Recipient
	err       error
}

// Resolver resolves recipients with a session-scoped cache. It is owned by
// the save pipeline; state never leaks across sessions or reloads.
type Resolver struct {
	client   service.AccountingClient
	mu       sync.Mutex
	lookup   map[string][]ProjectRef
	cache    map[string]cacheEntry
	inflight map[string]*inflightCall
}

// New creates a resolver backed by the given client.
func New(client service.AccountingClient) *Resolver {
	return &Resolver{
		client:   client,
		lookup:   make(map[string][]ProjectRef),
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*inflightCall),
	}
}

// SetProjectLookup rebuilds the title lookup table from a sub-allocation
// page. Only project workspaces participate; usernames always go through
// the backend.
func (r *Resolver) SetProjectLookup(subs []model.SubAllocation) {
	lookup := make(map[string][]ProjectRef)
	for _, sub := range subs {
		if !sub.WorkspaceIsProject {
			continue
		}
		refs := lookup[sub.WorkspaceTitle]
		found := false
		for i := range refs {
			if refs[i].ProjectID == sub.WorkspaceID {
				refs[i].AllocationRows = append(refs[i].AllocationRows, sub.ID)
				found = true
				break
			}
		}
		if !found {
			refs = append(refs, ProjectRef{ProjectID: sub.WorkspaceID, AllocationRows: []string{sub.ID}})
		}
		lookup[sub.WorkspaceTitle] = refs
	}

	r.mu.Lock()
	r.lookup = lookup
	r.mu.Unlock()
}

// Reset clears all session state. Called when the save pipeline restarts.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
	r.inflight = make(map[string]*inflightCall)
}

// ResolveLocal resolves a project title against the local lookup table.
// Returns (nil, nil) for unknown titles, which callers treat as "needs a
// network lookup". Exactly one match resolves immediately; more than one
// yields ErrAmbiguous.
func (r *Resolver) ResolveLocal(title string) (*model.Recipient, error) {
	r.mu.Lock()
	refs := r.lookup[title]
	r.mu.Unlock()

	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		return &model.Recipient{ID: refs[0].ProjectID, Title: title, IsProject: true}, nil
	default:
		return nil, fmt.Errorf("%w: %d projects titled %q", ErrAmbiguous, len(refs), title)
	}
}

// Cached returns the session cache entry for a query, if one exists.
func (r *Resolver) Cached(query string) (*model.Recipient, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[query]
	if !ok {
		return nil, false, nil
	}
	return entry.recipient, true, entry.err
}

// Resolve resolves a query against the backend, caching the result (success
// or explicit miss) for the rest of the session. Concurrent calls for the
// same query share a single network lookup. The isProject flag only selects
// which not-found flavor is reported; the same query string may validly
// mean different things depending on the row's provenance.
func (r *Resolver) Resolve(ctx context.Context, query string, isProject bool) (*model.Recipient, error) {
	r.mu.Lock()
	if entry, ok := r.cache[query]; ok {
		r.mu.Unlock()
		return entry.recipient, flavorNotFound(entry.err, isProject)
	}
	if call, ok := r.inflight[query]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.recipient, flavorNotFound(call.err, isProject)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	r.inflight[query] = call
	r.mu.Unlock()

	recipient, err := r.lookupBackend(ctx, query)

	r.mu.Lock()
	delete(r.inflight, query)
	// Cancellations are not results; don't poison the cache with them.
	if err == nil || errors.Is(err, common.ErrNotFound) {
		r.cache[query] = cacheEntry{recipient: recipient, err: err}
	}
	r.mu.Unlock()

	call.recipient = recipient
	call.err = err
	close(call.done)

	return recipient, flavorNotFound(err, isProject)
}

func (r *Resolver) lookupBackend(ctx context.Context, query string) (*model.Recipient, error) {
	var recipient *model.Recipient
	err := common.WithRetry(ctx, func() error {
		rec, lookupErr := r.client.RetrieveRecipient(ctx, query)
		if lookupErr != nil {
			if errors.Is(lookupErr, common.ErrNotFound) {
				return &common.RetryableError{Err: lookupErr, Retryable: false}
			}
			return &common.RetryableError{Err: lookupErr, Retryable: common.IsRetryable(lookupErr)}
		}
		recipient = rec
		return nil
	}, service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	})

	if err != nil {
		var retryable *common.RetryableError
		if errors.As(err, &retryable) {
			err = retryable.Err
		}
		slog.Debug("Recipient lookup failed", "query", query, "error", err)
		return nil, err
	}
	return recipient, nil
}

// flavorNotFound maps a bare not-found error to the project or user flavor
// expected by the row that asked.
func flavorNotFound(err error, isProject bool) error {
	if err == nil || !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if isProject {
		return ErrProjectNotFound
	}
	return ErrUserNotFound
}
