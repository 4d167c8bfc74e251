// Package classify validates dirty draft rows and decides which server
// operation each one requires.
package classify

import (
	"fmt"
	"sort"
	"time"

	"github.com/hferg/suballoc/internal/balance"
	"github.com/hferg/suballoc/internal/catalog"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/resolve"
	"github.com/hferg/suballoc/internal/service"
)

// Reasons recorded on allocation updates issued by the editor.
const (
	ReasonDeleted = "deleted by grant giver"
	ReasonUpdated = "updated by grant giver"

	depositDescription = "created by grant giver"
)

// FieldError describes one failing cell of a draft row.
type FieldError struct {
	Field   string
	Message string
}

// RowResult is the per-row outcome of a validation pass.
type RowResult struct {
	ID     string
	Status model.RowStatus
	Errors []FieldError
}

// PendingLookup is a recipient that could not be resolved locally and needs
// a backend lookup before the row can be classified.
type PendingLookup struct {
	RowID     string
	Query     string
	IsProject bool
}

// Create is a pending deposit for a new or re-parented allocation.
type Create struct {
	RowID   string
	Request service.DepositRequest
}

// Update is a pending balance/date change to an existing allocation.
type Update struct {
	RowID   string
	Request service.AllocationUpdate
}

// Delete is a pending close (end-date now) of an existing allocation.
type Delete struct {
	RowID   string
	Request service.AllocationUpdate
}

// Plan is the full classification of one dirty-row set. When Valid is
// false, nothing may be sent to the backend.
type Plan struct {
	Creates []Create
	Updates []Update
	Deletes []Delete
	Rows    map[string]RowResult
	Pending []PendingLookup
	Valid   bool
}

// NeedsResolution reports whether any rows are waiting on backend recipient
// lookups.
func (p *Plan) NeedsResolution() bool {
	return len(p.Pending) > 0
}

// RowIDs returns the ids of every row contributing an operation, sorted for
// deterministic batching.
func (p *Plan) RowIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, op := range p.Creates {
		add(op.RowID)
	}
	for _, op := range p.Updates {
		add(op.RowID)
	}
	for _, op := range p.Deletes {
		add(op.RowID)
	}
	sort.Strings(ids)
	return ids
}

// Restrict returns the subset of operations belonging to the given row
// keys. Used by the save pipeline to bisect a failing batch.
func (p *Plan) Restrict(rowIDs []string) (creates []service.DepositRequest, updates []service.AllocationUpdate) {
	keep := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		keep[id] = true
	}
	for _, op := range p.Creates {
		if keep[op.RowID] {
			creates = append(creates, op.Request)
		}
	}
	for _, op := range p.Updates {
		if keep[op.RowID] {
			updates = append(updates, op.Request)
		}
	}
	for _, op := range p.Deletes {
		if keep[op.RowID] {
			updates = append(updates, op.Request)
		}
	}
	return creates, updates
}

// Classifier builds save plans from draft rows. It never performs network
// access itself; unknown recipients are reported as pending lookups for the
// pipeline to resolve.
type Classifier struct {
	resolver *resolve.Resolver
	now      func() time.Time
}

// New creates a classifier using the given resolver for recipient identity.
func New(resolver *resolve.Resolver) *Classifier {
	return &Classifier{resolver: resolver, now: time.Now}
}

// BuildPlan validates every dirty row and classifies the operations the
// batch requires. All rows are validated before anything else happens so
// the user sees every problem at once.
func (c *Classifier) BuildPlan(rows map[string]model.DraftRow, snap *catalog.Snapshot) *Plan {
	plan := &Plan{Rows: make(map[string]RowResult, len(rows))}

	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c.classifyRow(plan, rows[id], snap)
	}

	plan.Valid = len(plan.Pending) == 0
	for _, result := range plan.Rows {
		switch result.Status {
		case model.RowStatusInvalid, model.RowStatusWarning, model.RowStatusStale, model.RowStatusLoading:
			plan.Valid = false
		}
	}
	return plan
}

func (c *Classifier) classifyRow(plan *Plan, row model.DraftRow, snap *catalog.Snapshot) {
	if row.Deleted {
		c.classifyDeletion(plan, row, snap)
		return
	}

	fields, parsed := c.validateFields(row, snap)

	var sub *model.SubAllocation
	if !row.Synthetic() {
		sub = snap.SubAllocation(row.ID)
		if sub == nil {
			// Deleted or modified elsewhere since the snapshot was taken.
			plan.Rows[row.ID] = RowResult{
				ID:     row.ID,
				Status: model.RowStatusStale,
				Errors: []FieldError{{Field: "row", Message: "allocation no longer exists in the latest snapshot"}},
			}
			return
		}
	}

	if len(fields) > 0 {
		plan.Rows[row.ID] = RowResult{ID: row.ID, Status: model.RowStatusInvalid, Errors: fields}
		return
	}

	recipient, status, fieldErr := c.resolveRecipient(plan, row, sub)
	if fieldErr != nil {
		plan.Rows[row.ID] = RowResult{ID: row.ID, Status: status, Errors: []FieldError{*fieldErr}}
		return
	}
	if recipient == nil {
		// Queued for backend resolution.
		plan.Rows[row.ID] = RowResult{ID: row.ID, Status: model.RowStatusLoading}
		return
	}

	plan.Rows[row.ID] = RowResult{ID: row.ID, Status: model.RowStatusNone}
	c.emitOperations(plan, row, sub, recipient, parsed)
}

// classifyDeletion turns a deletion marker into a close operation. A marker
// for a row missing from the snapshot is stale: there is nothing to close.
func (c *Classifier) classifyDeletion(plan *Plan, row model.DraftRow, snap *catalog.Snapshot) {
	sub := snap.SubAllocation(row.ID)
	if sub == nil {
		plan.Rows[row.ID] = RowResult{
			ID:     row.ID,
			Status: model.RowStatusStale,
			Errors: []FieldError{{Field: "row", Message: "allocation was already removed"}},
		}
		return
	}

	now := c.now()
	plan.Rows[row.ID] = RowResult{ID: row.ID, Status: model.RowStatusNone}
	plan.Deletes = append(plan.Deletes, Delete{
		RowID: row.ID,
		Request: service.AllocationUpdate{
			ID:        sub.ID,
			Balance:   sub.Remaining,
			StartDate: sub.StartDate,
			EndDate:   &now,
			Reason:    ReasonDeleted,
		},
	})
}

// parsedFields carries the converted values of a row that passed field
// validation.
type parsedFields struct {
	amount    int64
	startDate time.Time
	endDate   *time.Time
}

func (c *Classifier) validateFields(row model.DraftRow, snap *catalog.Snapshot) ([]FieldError, parsedFields) {
	var (
		errs   []FieldError
		parsed parsedFields
	)

	amount, err := balance.ToRaw(row.Amount, row.ProductType, chargeTypeFor(row, snap), row.Unit)
	switch {
	case err != nil:
		errs = append(errs, FieldError{Field: "amount", Message: fmt.Sprintf("%q is not a valid amount", row.Amount)})
	case amount < 0:
		errs = append(errs, FieldError{Field: "amount", Message: "amount cannot be negative"})
	default:
		parsed.amount = amount
	}

	start, err := ParseDate(row.StartDate)
	if err != nil {
		errs = append(errs, FieldError{Field: "startDate", Message: err.Error()})
	} else {
		parsed.startDate = start
	}

	if row.EndDate != "" {
		end, endErr := ParseDate(row.EndDate)
		if endErr != nil {
			errs = append(errs, FieldError{Field: "endDate", Message: endErr.Error()})
		} else {
			parsed.endDate = &end
		}
	}

	if row.Recipient == "" {
		errs = append(errs, FieldError{Field: "recipient", Message: "recipient is required"})
	}

	wallet := snap.WalletFor(row.ProductType, row.Product)
	if wallet == nil {
		errs = append(errs, FieldError{Field: "product", Message: fmt.Sprintf("no wallet pays for %s/%s", row.ProductType, row.Product)})
	} else {
		found := false
		for _, a := range wallet.Allocations {
			if a.ID == row.AllocationID {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, FieldError{Field: "allocation", Message: fmt.Sprintf("allocation %q does not belong to the selected wallet", row.AllocationID)})
		}
	}

	return errs, parsed
}

// resolveRecipient determines the canonical recipient for a row without
// touching the network. Unknown recipients are queued on the plan and
// reported as nil.
func (c *Classifier) resolveRecipient(plan *Plan, row model.DraftRow, sub *model.SubAllocation) (*model.Recipient, model.RowStatus, *FieldError) {
	isProject := row.RecipientKind == model.RecipientProject

	// An unchanged recipient needs no resolution: the sub-allocation itself
	// binds the title to a workspace id.
	if sub != nil && row.Recipient == sub.WorkspaceTitle && isProject == sub.WorkspaceIsProject {
		return &model.Recipient{
			ID:        sub.WorkspaceID,
			Title:     sub.WorkspaceTitle,
			IsProject: sub.WorkspaceIsProject,
		}, model.RowStatusNone, nil
	}

	if isProject {
		local, err := c.resolver.ResolveLocal(row.Recipient)
		if err != nil {
			// Ambiguous title: block this row until the user disambiguates.
			return nil, model.RowStatusWarning, &FieldError{Field: "recipient", Message: err.Error()}
		}
		if local != nil {
			return local, model.RowStatusNone, nil
		}
	}

	if cached, found, err := c.resolver.Cached(row.Recipient); found {
		if err != nil {
			return nil, model.RowStatusInvalid, &FieldError{Field: "recipient", Message: notFoundMessage(row)}
		}
		return cached, model.RowStatusNone, nil
	}

	plan.Pending = append(plan.Pending, PendingLookup{
		RowID:     row.ID,
		Query:     row.Recipient,
		IsProject: isProject,
	})
	return nil, model.RowStatusLoading, nil
}

func (c *Classifier) emitOperations(plan *Plan, row model.DraftRow, sub *model.SubAllocation, recipient *model.Recipient, parsed parsedFields) {
	deposit := service.DepositRequest{
		RecipientID:        recipient.ID,
		RecipientIsProject: recipient.IsProject,
		SourceAllocation:   row.AllocationID,
		Amount:             parsed.amount,
		Description:        depositDescription,
		StartDate:          parsed.startDate,
		EndDate:            parsed.endDate,
	}

	if sub == nil {
		plan.Creates = append(plan.Creates, Create{RowID: row.ID, Request: deposit})
		return
	}

	entityChanged := recipient.ID != sub.WorkspaceID || recipient.IsProject != sub.WorkspaceIsProject
	sourceChanged := row.AllocationID != sub.SourceAllocationID()

	if !entityChanged && !sourceChanged {
		plan.Updates = append(plan.Updates, Update{
			RowID: row.ID,
			Request: service.AllocationUpdate{
				ID:        sub.ID,
				Balance:   parsed.amount,
				StartDate: parsed.startDate,
				EndDate:   parsed.endDate,
				Reason:    ReasonUpdated,
			},
		})
		return
	}

	// An allocation's identity is bound to its position in the source
	// hierarchy; re-parenting means closing the original and depositing a
	// replacement.
	now := c.now()
	plan.Deletes = append(plan.Deletes, Delete{
		RowID: row.ID,
		Request: service.AllocationUpdate{
			ID:        sub.ID,
			Balance:   sub.Remaining,
			StartDate: sub.StartDate,
			EndDate:   &now,
			Reason:    ReasonUpdated,
		},
	})
	plan.Creates = append(plan.Creates, Create{RowID: row.ID, Request: deposit})
}

func chargeTypeFor(row model.DraftRow, snap *catalog.Snapshot) model.ChargeType {
	if wallet := snap.WalletFor(row.ProductType, row.Product); wallet != nil {
		return wallet.ChargeType
	}
	return model.ChargeAbsolute
}

func notFoundMessage(row model.DraftRow) string {
	if row.RecipientKind == model.RecipientProject {
		return fmt.Sprintf("project %q not found", row.Recipient)
	}
	return fmt.Sprintf("user %q not found", row.Recipient)
}
