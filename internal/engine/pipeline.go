// Package engine implements the batch save pipeline that dry-runs, bisects
// and commits a draft of sub-allocation edits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hferg/suballoc/internal/catalog"
	"github.com/hferg/suballoc/internal/classify"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/resolve"
	"github.com/hferg/suballoc/internal/service"
)

// State names where a save attempt ended up.
type State string

// Pipeline states.
const (
	// StateIdle means there was nothing to save.
	StateIdle State = "IDLE"
	// StateBlocked means validation failed and nothing was sent.
	StateBlocked State = "BLOCKED"
	// StateValidated means a validation-only pass found no problems.
	StateValidated State = "VALIDATED"
	// StateDryRunPassed means the dry-run succeeded but commit was withheld.
	StateDryRunPassed State = "DRY_RUN_PASSED"
	// StateFullyCommitted means the whole batch was committed and the draft
	// cleared.
	StateFullyCommitted State = "FULLY_COMMITTED"
	// StatePartiallyReported means the dry-run failed and per-batch
	// diagnostics were collected. Nothing was committed.
	StatePartiallyReported State = "PARTIALLY_REPORTED"
	// StateFailed means a transport-level failure interrupted the attempt.
	// The draft is preserved.
	StateFailed State = "FAILED"
)

// BatchReport is the dry-run outcome of one diagnostic sub-batch.
type BatchReport struct {
	RowIDs []string
	Err    error
}

// Result describes the outcome of a save or validate attempt.
type Result struct {
	State           State
	Rows            map[string]classify.RowResult
	Reports         []BatchReport
	Committed       bool
	ReloadRequested bool
}

// Progress is called after each diagnostic sub-batch during bisection.
type Progress func(completed, total int)

// Config holds configuration options for the save pipeline.
type Config struct {
	// SplitFactor controls bisection: a failing batch of n rows is split
	// into ceil(n/SplitFactor) diagnostic sub-batches.
	SplitFactor int
	// DryRunOnly stops after a successful dry-run instead of committing.
	DryRunOnly bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{SplitFactor: 10}
}

// Pipeline orchestrates validation, recipient resolution, dry-run,
// bisection and commit for one draft. It owns the recipient resolver so no
// cache state outlives it.
type Pipeline struct {
	client     service.AccountingClient
	store      service.DraftStore
	catalog    *catalog.Catalog
	resolver   *resolve.Resolver
	classifier *classify.Classifier
	config     Config
	progress   Progress
}

// New creates a save pipeline with the default configuration.
func New(client service.AccountingClient, store service.DraftStore, cat *catalog.Catalog) *Pipeline {
	return NewWithConfig(client, store, cat, DefaultConfig())
}

// NewWithConfig creates a save pipeline with custom configuration.
func NewWithConfig(client service.AccountingClient, store service.DraftStore, cat *catalog.Catalog, config Config) *Pipeline {
	if config.SplitFactor <= 0 {
		config.SplitFactor = 10
	}
	resolver := resolve.New(client)
	return &Pipeline{
		client:     client,
		store:      store,
		catalog:    cat,
		resolver:   resolver,
		classifier: classify.New(resolver),
		config:     config,
	}
}

// SetProgress registers a callback for bisection progress.
func (p *Pipeline) SetProgress(fn Progress) {
	p.progress = fn
}

// Validate runs a field-validation pass over the draft without issuing any
// network calls. Rows needing backend resolution stay tagged loading.
func (p *Pipeline) Validate(ctx context.Context) (*Result, error) {
	rows, snap, err := p.loadInputs(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Result{State: StateIdle}, nil
	}

	plan := p.classifier.BuildPlan(rows, snap)
	p.writeBackStatuses(ctx, rows, plan)

	state := StateValidated
	if !plan.Valid {
		state = StateBlocked
	}
	return &Result{State: state, Rows: plan.Rows}, nil
}

// Save runs the full pipeline: validate, resolve recipients, dry-run,
// commit or bisect. The draft is cleared only on a fully successful commit.
func (p *Pipeline) Save(ctx context.Context) (*Result, error) {
	// Session state never survives a pipeline restart.
	p.resolver.Reset()

	rows, snap, err := p.loadInputs(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		slog.Info("No draft rows to save")
		return &Result{State: StateIdle}, nil
	}

	slog.Info("Starting save pipeline", "rows", len(rows))

	// All field validation completes before any network call is issued.
	plan := p.classifier.BuildPlan(rows, snap)
	if hasFieldErrors(plan) {
		p.writeBackStatuses(ctx, rows, plan)
		return &Result{State: StateBlocked, Rows: plan.Rows}, nil
	}

	// Resolve unknown recipients concurrently, then retry classification
	// exactly once per resolution batch.
	if plan.NeedsResolution() {
		p.resolveAll(ctx, plan.Pending)
		plan = p.classifier.BuildPlan(rows, snap)
	}
	if !plan.Valid {
		p.writeBackStatuses(ctx, rows, plan)
		return &Result{State: StateBlocked, Rows: plan.Rows}, nil
	}

	// The page-load snapshot may be stale by now. Re-validate against a
	// fresh one immediately before the dry-run.
	freshSnap, err := p.catalog.Reload(ctx)
	if err != nil {
		return &Result{State: StateFailed, Rows: plan.Rows}, fmt.Errorf("failed to refresh snapshot before dry-run: %w", err)
	}
	p.resolver.SetProjectLookup(freshSnap.SubAllocations)

	plan = p.classifier.BuildPlan(rows, freshSnap)
	if plan.NeedsResolution() {
		p.resolveAll(ctx, plan.Pending)
		plan = p.classifier.BuildPlan(rows, freshSnap)
	}
	if !plan.Valid {
		p.writeBackStatuses(ctx, rows, plan)
		slog.Warn("Draft no longer valid against fresh snapshot")
		return &Result{State: StateBlocked, Rows: plan.Rows}, nil
	}

	creates, updates := plan.Restrict(plan.RowIDs())
	slog.Info("Dry-running batch",
		"creates", len(creates),
		"updates", len(updates))

	if dryErr := p.sendBatch(ctx, creates, updates, true); dryErr != nil {
		if ctx.Err() != nil {
			return &Result{State: StateFailed, Rows: plan.Rows}, ctx.Err()
		}
		slog.Warn("Dry-run rejected, bisecting to localize failures", "error", dryErr)
		reports := p.bisect(ctx, plan)
		return &Result{State: StatePartiallyReported, Rows: plan.Rows, Reports: reports}, nil
	}

	if p.config.DryRunOnly {
		return &Result{State: StateDryRunPassed, Rows: plan.Rows}, nil
	}

	// The identical request set, with dry off. This is the only path that
	// persists changes.
	if commitErr := p.sendBatch(ctx, creates, updates, false); commitErr != nil {
		return &Result{State: StateFailed, Rows: plan.Rows}, fmt.Errorf("commit failed, draft preserved: %w", commitErr)
	}

	if clearErr := p.store.Clear(ctx); clearErr != nil {
		slog.Error("Commit succeeded but draft could not be cleared", "error", clearErr)
	}

	if _, reloadErr := p.catalog.Reload(ctx); reloadErr != nil {
		slog.Warn("Failed to reload catalog after commit", "error", reloadErr)
	}

	slog.Info("Batch fully committed",
		"creates", len(creates),
		"updates", len(updates))

	return &Result{
		State:           StateFullyCommitted,
		Rows:            plan.Rows,
		Committed:       true,
		ReloadRequested: true,
	}, nil
}

// Discard drops the draft without sending anything.
func (p *Pipeline) Discard(ctx context.Context) error {
	return p.store.Clear(ctx)
}

func (p *Pipeline) loadInputs(ctx context.Context) (map[string]model.DraftRow, *catalog.Snapshot, error) {
	snap := p.catalog.Current()
	if snap == nil {
		return nil, nil, fmt.Errorf("no catalog snapshot loaded")
	}
	p.resolver.SetProjectLookup(snap.SubAllocations)

	rows, err := p.store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load draft: %w", err)
	}
	return rows, snap, nil
}

// resolveAll performs the queued backend lookups concurrently and waits for
// all of them. Results land in the resolver's session cache; the shared
// in-flight table keeps duplicate queries to a single request.
func (p *Pipeline) resolveAll(ctx context.Context, pending []classify.PendingLookup) {
	slog.Info("Resolving recipients", "count", len(pending))

	var wg sync.WaitGroup
	for _, lookup := range pending {
		wg.Add(1)
		go func(lookup classify.PendingLookup) {
			defer wg.Done()
			if _, err := p.resolver.Resolve(ctx, lookup.Query, lookup.IsProject); err != nil {
				slog.Debug("Recipient resolution failed",
					"row_id", lookup.RowID,
					"query", lookup.Query,
					"error", err)
			}
		}(lookup)
	}
	wg.Wait()
}

// sendBatch issues the deposit and update halves of a batch concurrently.
// Both must succeed for the batch to be considered valid.
func (p *Pipeline) sendBatch(ctx context.Context, creates []service.DepositRequest, updates []service.AllocationUpdate, dry bool) error {
	var (
		wg         sync.WaitGroup
		depositErr error
		updateErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		depositErr = p.client.Deposit(ctx, creates, dry)
	}()
	go func() {
		defer wg.Done()
		updateErr = p.client.UpdateAllocation(ctx, updates, dry)
	}()
	wg.Wait()

	return errors.Join(depositErr, updateErr)
}

// bisect dry-runs ceil(n/SplitFactor) equal-sized sub-batches of row keys
// to localize failures. Diagnostic only: nothing is committed even when
// some sub-batches pass.
func (p *Pipeline) bisect(ctx context.Context, plan *classify.Plan) []BatchReport {
	ids := plan.RowIDs()
	batches := splitRowKeys(ids, p.config.SplitFactor)

	reports := make([]BatchReport, 0, len(batches))
	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		creates, updates := plan.Restrict(batch)
		err := p.sendBatch(ctx, creates, updates, true)
		reports = append(reports, BatchReport{RowIDs: batch, Err: err})
		if p.progress != nil {
			p.progress(i+1, len(batches))
		}
	}
	return reports
}

// writeBackStatuses persists per-row statuses so the next listing shows
// them. Deletion markers carry no tuple and are left untouched.
func (p *Pipeline) writeBackStatuses(ctx context.Context, rows map[string]model.DraftRow, plan *classify.Plan) {
	for id, result := range plan.Rows {
		row, ok := rows[id]
		if !ok || row.Deleted || row.Status == result.Status {
			continue
		}
		row.Status = result.Status
		if err := p.store.SetRow(ctx, row); err != nil {
			slog.Warn("Failed to persist row status", "row_id", id, "error", err)
		}
	}
}

// hasFieldErrors reports whether any row failed pure field validation,
// ignoring rows that merely await recipient resolution.
func hasFieldErrors(plan *classify.Plan) bool {
	for _, result := range plan.Rows {
		switch result.Status {
		case model.RowStatusInvalid, model.RowStatusWarning, model.RowStatusStale:
			return true
		}
	}
	return false
}

// splitRowKeys splits keys into ceil(n/factor) equal-sized batches.
func splitRowKeys(keys []string, factor int) [][]string {
	n := len(keys)
	if n == 0 {
		return nil
	}

	batchCount := (n + factor - 1) / factor
	batchSize := (n + batchCount - 1) / batchCount

	var batches [][]string
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		batches = append(batches, keys[start:end])
	}
	return batches
}
