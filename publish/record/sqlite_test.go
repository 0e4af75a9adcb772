package record

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-local-credit/marketplace/publish"
	"github.com/cosmo-local-credit/marketplace/publish/migrations"
)

// =============================================================================
// Test Helpers
// =============================================================================

var (
	tokenAddr  = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	marketAddr = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func startTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) {
	t.Helper()
	err := store.StartRun(context.Background(), migrations.Run{
		ID:        id,
		ChainID:   1337,
		Deployer:  common.HexToAddress("0x01"),
		StartedAt: startedAt,
	})
	require.NoError(t, err)
}

func tokenStep() migrations.StepRecord {
	return migrations.StepRecord{
		Step:     migrations.StepToken,
		Contract: "MarketplaceToken",
		Result: publish.DeployResult{
			TxHash:          common.HexToHash("0x01"),
			ContractAddress: tokenAddr,
			BlockNumber:     10,
			GasUsed:         1_500_000,
		},
	}
}

func marketStep() migrations.StepRecord {
	return migrations.StepRecord{
		Step:     migrations.StepMarketplace,
		Contract: "Marketplace",
		Result: publish.DeployResult{
			TxHash:          common.HexToHash("0x02"),
			ContractAddress: marketAddr,
			BlockNumber:     11,
			GasUsed:         2_000_000,
		},
		ConstructorArgs: []string{tokenAddr.Hex()},
	}
}

// =============================================================================
// Run Lifecycle Tests
// =============================================================================

func TestNewSQLiteStore_FileDatabaseReopens(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "deployments.db")

	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	startTestRun(t, store, "run-1", time.Now())
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, migrations.StatusStarted, run.Status)
}

func TestNewSQLiteStore_OpenErrorKeepsCause(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "missing-dir", "deployments.db")

	_, err := NewSQLiteStore(dsn)
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), dsn)
	assert.Contains(t, err.Error(), "unable to open database file")
}

func TestRun_CompletedLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	startTestRun(t, store, "run-1", time.Now())

	require.NoError(t, store.RecordStep(ctx, "run-1", tokenStep()))
	require.NoError(t, store.SetStatus(ctx, "run-1", migrations.StatusTokenDeployed, nil))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, migrations.StatusTokenDeployed, run.Status)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, store.RecordStep(ctx, "run-1", marketStep()))
	require.NoError(t, store.SetStatus(ctx, "run-1", migrations.StatusCompleted, nil))

	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, migrations.StatusCompleted, run.Status)
	assert.Equal(t, uint64(1337), run.ChainID)
	assert.Equal(t, common.HexToAddress("0x01").Hex(), run.Deployer)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, run.Deployments, 2)
	token, market := run.Deployments[0], run.Deployments[1]
	assert.Equal(t, migrations.StepToken, token.Step)
	assert.Equal(t, tokenAddr.Hex(), token.Address)
	assert.Equal(t, uint64(10), token.BlockNumber)
	assert.Equal(t, uint64(1_500_000), token.GasUsed)
	assert.Empty(t, token.ConstructorArgs)
	assert.False(t, token.Pending)

	assert.Equal(t, "Marketplace", market.Contract)
	assert.Equal(t, marketAddr.Hex(), market.Address)
	assert.Equal(t, []string{token.Address}, market.ConstructorArgs)
}

func TestRun_FailedKeepsOrphan(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	startTestRun(t, store, "run-1", time.Now())

	require.NoError(t, store.RecordStep(ctx, "run-1", tokenStep()))
	require.NoError(t, store.SetStatus(ctx, "run-1", migrations.StatusTokenDeployed, nil))
	require.NoError(t, store.SetStatus(ctx, "run-1", migrations.StatusFailed, errors.New("out of gas")))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, migrations.StatusFailed, run.Status)
	assert.Equal(t, "out of gas", run.Error)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Deployments, 1)
	assert.Equal(t, tokenAddr.Hex(), run.Deployments[0].Address)
}

func TestRecordStep_Pending(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	startTestRun(t, store, "run-1", time.Now())

	step := tokenStep()
	step.Result.BlockNumber = 0
	step.Result.GasUsed = 0
	step.Pending = true
	require.NoError(t, store.RecordStep(ctx, "run-1", step))
	require.NoError(t, store.SetStatus(ctx, "run-1", migrations.StatusFailed, errors.New("context deadline exceeded")))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Deployments, 1)
	assert.True(t, run.Deployments[0].Pending)
	assert.Equal(t, tokenAddr.Hex(), run.Deployments[0].Address)
	assert.Zero(t, run.Deployments[0].BlockNumber)

	deps, err := store.ListDeploymentsByAddress(ctx, tokenAddr.Hex())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Pending)
}

func TestStartRun_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	startTestRun(t, store, "run-1", time.Now())

	err := store.StartRun(context.Background(), migrations.Run{ID: "run-1"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "StartRun", storeErr.Op)
	assert.Equal(t, "run-1", storeErr.ID)
}

func TestRecordStep_UnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordStep(context.Background(), "missing", tokenStep())
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestSetStatus_UnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.SetStatus(context.Background(), "missing", migrations.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestListRuns_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	startTestRun(t, store, "run-old", base)
	startTestRun(t, store, "run-mid", base.Add(time.Hour))
	startTestRun(t, store, "run-new", base.Add(2*time.Hour))
	require.NoError(t, store.RecordStep(context.Background(), "run-mid", tokenStep()))

	runs, err := store.ListRuns(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-new", runs[0].ID)
	assert.Equal(t, "run-mid", runs[1].ID)
	assert.Equal(t, "run-old", runs[2].ID)
	assert.Len(t, runs[1].Deployments, 1)
	assert.Empty(t, runs[0].Deployments)
	assert.True(t, runs[2].StartedAt.Equal(base))

	runs, err = store.ListRuns(context.Background(), ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-mid", runs[0].ID)
}

func TestListDeploymentsByAddress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	startTestRun(t, store, "run-1", time.Now())
	require.NoError(t, store.RecordStep(ctx, "run-1", tokenStep()))
	require.NoError(t, store.RecordStep(ctx, "run-1", marketStep()))

	deps, err := store.ListDeploymentsByAddress(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "MarketplaceToken", deps[0].Contract)
	assert.Equal(t, "run-1", deps[0].RunID)

	deps, err = store.ListDeploymentsByAddress(ctx, common.HexToAddress("0x02").Hex())
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 20}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{Limit: 500}.Normalize())
	assert.Equal(t, ListOptions{Limit: 5}, ListOptions{Limit: 5, Offset: -3}.Normalize())
}

// =============================================================================
// Migration Integration
// =============================================================================

type fixedDeployer struct {
	addrs []common.Address
}

func (d *fixedDeployer) Deploy(_ context.Context, art *publish.Artifact, _ uint64, _ ...any) (publish.DeployResult, error) {
	addr := d.addrs[0]
	d.addrs = d.addrs[1:]
	return publish.DeployResult{ContractAddress: addr, TxHash: common.BytesToHash(addr.Bytes())}, nil
}

type memArtifacts struct {
	arts map[string]*publish.Artifact
}

func (m memArtifacts) Require(name string) (*publish.Artifact, error) {
	art, ok := m.arts[name]
	if !ok {
		return nil, publish.ErrArtifactNotFound
	}
	return art, nil
}

func (memArtifacts) Save(*publish.Artifact) error { return nil }

func TestStore_RecordsMarketplaceMigration(t *testing.T) {
	store := setupTestStore(t)

	token, err := publish.ParseArtifact([]byte(`{"contractName":"MarketplaceToken","abi":[],"bytecode":"0x6080"}`))
	require.NoError(t, err)
	market, err := publish.ParseArtifact([]byte(`{"contractName":"Marketplace","abi":[{"inputs":[{"name":"_token","type":"address"}],"type":"constructor"}],"bytecode":"0x6080"}`))
	require.NoError(t, err)

	m := &migrations.Marketplace{
		Deployer:  &fixedDeployer{addrs: []common.Address{tokenAddr, marketAddr}},
		Artifacts: memArtifacts{arts: map[string]*publish.Artifact{"MarketplaceToken": token, "Marketplace": market}},
		Recorder:  store,
		ChainID:   1337,
	}
	res, err := m.Run(context.Background())
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, migrations.StatusCompleted, run.Status)
	require.Len(t, run.Deployments, 2)
	assert.Equal(t, []string{tokenAddr.Hex()}, run.Deployments[1].ConstructorArgs)
}
