package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hferg/suballoc/internal/catalog"
	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/draft"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend is a deterministic in-memory AccountingClient that counts
// every call so tests can assert exactly what went over the wire.
type mockBackend struct {
	mu         sync.Mutex
	wallets    []model.Wallet
	subs       []model.SubAllocation
	recipients map[string]*model.Recipient

	// dryErr, when set, fails every dry-run half that carries items.
	dryErr error

	browseWallets  int
	browseSubs     int
	recipientCalls int
	depositDry     int
	depositCommit  int
	updateDry      int
	updateCommit   int

	committedDeposits []service.DepositRequest
	committedUpdates  []service.AllocationUpdate
}

func (m *mockBackend) BrowseWallets(_ context.Context, _ service.WalletFilter) ([]model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.browseWallets++
	return m.wallets, nil
}

func (m *mockBackend) BrowseSubAllocations(_ context.Context, _ service.SubAllocationFilter) ([]model.SubAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.browseSubs++
	return m.subs, nil
}

func (m *mockBackend) SearchSubAllocations(_ context.Context, _ string, _ service.SubAllocationFilter) ([]model.SubAllocation, error) {
	return m.subs, nil
}

func (m *mockBackend) RetrieveRecipient(_ context.Context, query string) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipientCalls++
	if rec, ok := m.recipients[query]; ok {
		return rec, nil
	}
	return nil, common.ErrNotFound
}

func (m *mockBackend) Deposit(_ context.Context, items []service.DepositRequest, dry bool) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if dry {
		m.depositDry++
		return m.dryErr
	}
	m.depositCommit++
	m.committedDeposits = append(m.committedDeposits, items...)
	return nil
}

func (m *mockBackend) UpdateAllocation(_ context.Context, items []service.AllocationUpdate, dry bool) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if dry {
		m.updateDry++
		return m.dryErr
	}
	m.updateCommit++
	m.committedUpdates = append(m.committedUpdates, items...)
	return nil
}

func (m *mockBackend) networkWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depositDry + m.depositCommit + m.updateDry + m.updateCommit
}

func newMockBackend() *mockBackend {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &mockBackend{
		wallets: []model.Wallet{
			{
				Owner:       "grantor",
				PaysFor:     model.ProductCategoryID{Name: "standard-compute", Provider: "hpc"},
				ProductType: model.ProductCompute,
				ChargeType:  model.ChargeAbsolute,
				Unit:        model.UnitCreditsPerHour,
				Allocations: []model.WalletAllocation{
					{ID: "X", Balance: 100_000, StartDate: start},
				},
			},
		},
		subs: []model.SubAllocation{
			{
				ID:                 "A1",
				Path:               "root.X.A1",
				ProductCategoryID:  model.ProductCategoryID{Name: "standard-compute", Provider: "hpc"},
				ProductType:        model.ProductCompute,
				ChargeType:         model.ChargeAbsolute,
				Unit:               model.UnitCreditsPerHour,
				WorkspaceID:        "P1",
				WorkspaceTitle:     "Proj1",
				WorkspaceIsProject: true,
				Remaining:          5000,
				InitialBalance:     8000,
				StartDate:          start,
			},
		},
		recipients: map[string]*model.Recipient{},
	}
}

// setupPipeline builds a pipeline over a real draft store and a page-load
// snapshot, mirroring how the editor boots.
func setupPipeline(t *testing.T, mock *mockBackend, config Config) (*Pipeline, *draft.Store) {
	t.Helper()

	store, err := draft.Open(filepath.Join(t.TempDir(), "draft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cat := catalog.New(mock)
	_, err = cat.Reload(context.Background())
	require.NoError(t, err)

	return NewWithConfig(mock, store, cat, config), store
}

func editRow() model.DraftRow {
	return model.DraftRow{
		ID:            "A1",
		RecipientKind: model.RecipientProject,
		Recipient:     "Proj1",
		ProductType:   model.ProductCompute,
		Product:       "standard-compute",
		AllocationID:  "X",
		StartDate:     "2024-01-01",
		Amount:        "2000",
		Unit:          model.UnitCreditsPerHour,
	}
}

func newRow(seq int) model.DraftRow {
	row := editRow()
	row.ID = model.SyntheticRowID("session", seq)
	return row
}

func TestSaveIdleWhenDraftIsEmpty(t *testing.T) {
	mock := newMockBackend()
	pipeline, _ := setupPipeline(t, mock, DefaultConfig())

	result, err := pipeline.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
	assert.Zero(t, mock.networkWrites())
}

func TestInvalidRowBlocksBeforeAnyNetworkCall(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	bad := editRow()
	bad.Amount = "not-a-number"
	require.NoError(t, store.SetRow(ctx, bad))
	require.NoError(t, store.SetRow(ctx, newRow(1)))

	browsesAtPageLoad := mock.browseWallets + mock.browseSubs

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, result.State)

	// Field validation failed, so nothing touched the backend: no dry-run,
	// no recipient lookups, no snapshot refresh.
	assert.Zero(t, mock.networkWrites())
	assert.Zero(t, mock.recipientCalls)
	assert.Equal(t, browsesAtPageLoad, mock.browseWallets+mock.browseSubs)

	// The verdict is persisted for the next listing.
	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RowStatusInvalid, rows["A1"].Status)
}

func TestStaleRowBlocksSave(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	require.NoError(t, store.MarkDeleted(ctx, "vanished"))

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, result.State)
	assert.Equal(t, model.RowStatusStale, result.Rows["vanished"].Status)
	assert.Zero(t, mock.networkWrites())
}

func TestFullCommitClearsDraftAndReloadsCatalog(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	require.NoError(t, store.SetRow(ctx, editRow()))
	require.NoError(t, store.SetRow(ctx, newRow(1)))

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFullyCommitted, result.State)
	assert.True(t, result.Committed)
	assert.True(t, result.ReloadRequested)

	// Each half dry-ran once and committed once.
	assert.Equal(t, 1, mock.depositDry)
	assert.Equal(t, 1, mock.depositCommit)
	assert.Equal(t, 1, mock.updateDry)
	assert.Equal(t, 1, mock.updateCommit)

	require.Len(t, mock.committedDeposits, 1)
	assert.Equal(t, "P1", mock.committedDeposits[0].RecipientID)
	require.Len(t, mock.committedUpdates, 1)
	assert.Equal(t, "A1", mock.committedUpdates[0].ID)
	assert.Equal(t, int64(2000), mock.committedUpdates[0].Balance)

	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Page load + pre-dry-run refresh + post-commit reload.
	assert.Equal(t, 3, mock.browseWallets)
	assert.Equal(t, 3, mock.browseSubs)
}

func TestDryRunOnlyStopsBeforeCommit(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, Config{SplitFactor: 10, DryRunOnly: true})

	require.NoError(t, store.SetRow(ctx, editRow()))

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDryRunPassed, result.State)
	assert.False(t, result.Committed)

	assert.Equal(t, 1, mock.updateDry)
	assert.Zero(t, mock.updateCommit)
	assert.Zero(t, mock.depositCommit)

	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDryRunFailureBisectsWithoutCommitting(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	mock.dryErr = fmt.Errorf("insufficient balance in source allocation")
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	for i := 1; i <= 25; i++ {
		require.NoError(t, store.SetRow(ctx, newRow(i)))
	}

	var progressCalls int
	pipeline.SetProgress(func(completed, total int) {
		progressCalls++
		assert.Equal(t, 3, total)
	})

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyReported, result.State)
	assert.False(t, result.Committed)

	// 25 rows split into ceil(25/10) = 3 diagnostic sub-batches, each
	// reported with its failure.
	require.Len(t, result.Reports, 3)
	totalRows := 0
	for _, report := range result.Reports {
		totalRows += len(report.RowIDs)
		assert.Error(t, report.Err)
	}
	assert.Equal(t, 25, totalRows)
	assert.Equal(t, 3, progressCalls)

	// Nothing was committed and the draft survives intact.
	assert.Zero(t, mock.depositCommit)
	assert.Zero(t, mock.updateCommit)
	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 25)
}

func TestUnknownRecipientResolvedThenCommitted(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	mock.recipients["BrandNewProject"] = &model.Recipient{ID: "P9", Title: "BrandNewProject", IsProject: true}
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	row := newRow(1)
	row.Recipient = "BrandNewProject"
	require.NoError(t, store.SetRow(ctx, row))

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFullyCommitted, result.State)

	// One backend lookup, cached for the rest of the session.
	assert.Equal(t, 1, mock.recipientCalls)
	require.Len(t, mock.committedDeposits, 1)
	assert.Equal(t, "P9", mock.committedDeposits[0].RecipientID)
}

func TestUnresolvableRecipientBlocks(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	row := newRow(1)
	row.Recipient = "NoSuchProject"
	require.NoError(t, store.SetRow(ctx, row))

	result, err := pipeline.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, result.State)
	assert.Equal(t, model.RowStatusInvalid, result.Rows[row.ID].Status)
	assert.Zero(t, mock.networkWrites())
}

func TestValidateNeverTouchesTheNetwork(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	row := newRow(1)
	row.Recipient = "BrandNewProject"
	require.NoError(t, store.SetRow(ctx, row))
	require.NoError(t, store.SetRow(ctx, editRow()))

	browsesAtPageLoad := mock.browseWallets + mock.browseSubs

	result, err := pipeline.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, result.State)
	assert.Equal(t, model.RowStatusLoading, result.Rows[row.ID].Status)
	assert.Equal(t, model.RowStatusNone, result.Rows["A1"].Status)

	assert.Zero(t, mock.networkWrites())
	assert.Zero(t, mock.recipientCalls)
	assert.Equal(t, browsesAtPageLoad, mock.browseWallets+mock.browseSubs)
}

func TestDiscardDropsDraft(t *testing.T) {
	ctx := context.Background()
	mock := newMockBackend()
	pipeline, store := setupPipeline(t, mock, DefaultConfig())

	require.NoError(t, store.SetRow(ctx, editRow()))
	require.NoError(t, pipeline.Discard(ctx))

	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, mock.networkWrites())
}

func TestSplitRowKeys(t *testing.T) {
	keys := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("row-%02d", i)
		}
		return out
	}

	tests := []struct {
		name   string
		n      int
		factor int
		sizes  []int
	}{
		{"empty", 0, 10, nil},
		{"single batch", 10, 10, []int{10}},
		{"one over", 11, 10, []int{6, 5}},
		{"three batches", 25, 10, []int{9, 9, 7}},
		{"factor one", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := splitRowKeys(keys(tt.n), tt.factor)
			require.Len(t, batches, len(tt.sizes))
			total := 0
			for i, batch := range batches {
				assert.Len(t, batch, tt.sizes[i])
				total += len(batch)
			}
			assert.Equal(t, tt.n, total)
		})
	}
}
