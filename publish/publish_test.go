package publish_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-local-credit/marketplace/publish"
	"github.com/cosmo-local-credit/marketplace/publish/publishtest"
)

const testChainID = 1337

func newTestDeployer(t *testing.T, node *publishtest.Node) (*publish.Deployer, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	d, err := publish.NewDeployer(context.Background(), node.URL, testChainID, key,
		big.NewInt(2_000_000_000), big.NewInt(1_000_000_000),
		publish.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, key
}

func requireArtifacts(t *testing.T) (*publish.Artifact, *publish.Artifact) {
	t.Helper()
	arts := publish.NewArtifactDir(publishtest.WriteMarketplaceArtifacts(t))
	token, err := arts.Require("MarketplaceToken")
	require.NoError(t, err)
	market, err := arts.Require("Marketplace")
	require.NoError(t, err)
	return token, market
}

func TestNewDeployer_ChainMismatch(t *testing.T) {
	node := publishtest.NewNode(t, 5)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = publish.NewDeployer(context.Background(), node.URL, testChainID, key, big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, publish.ErrChainMismatch)
}

func TestDeployer_DeployTokenThenMarketplace(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	d, key := newTestDeployer(t, node)
	token, market := requireArtifacts(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, from, d.Address())
	assert.Equal(t, uint64(testChainID), d.ChainID())

	ctx := context.Background()
	tokenRes, err := d.Deploy(ctx, token, 3_000_000)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(from, 0), tokenRes.ContractAddress)
	assert.Equal(t, uint64(1), tokenRes.BlockNumber)
	assert.Equal(t, uint64(1_500_000), tokenRes.GasUsed)

	addr, ok := token.Address(testChainID)
	require.True(t, ok)
	assert.Equal(t, tokenRes.ContractAddress, addr)

	marketRes, err := d.Deploy(ctx, market, 4_000_000, tokenRes.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(from, 1), marketRes.ContractAddress)
	assert.NotEqual(t, tokenRes.ContractAddress, marketRes.ContractAddress)

	txs := node.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, txs[0].Hash(), tokenRes.TxHash)
	assert.Equal(t, txs[1].Hash(), marketRes.TxHash)
	for _, tx := range txs {
		assert.Nil(t, tx.To())
		assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
		assert.Equal(t, uint64(testChainID), tx.ChainId().Uint64())
	}
	assert.Equal(t, token.Bytecode, txs[0].Data())
	assert.Equal(t, uint64(3_000_000), txs[0].Gas())

	data := txs[1].Data()
	require.Len(t, data, len(market.Bytecode)+32)
	assert.Equal(t, common.LeftPadBytes(tokenRes.ContractAddress.Bytes(), 32), data[len(market.Bytecode):])
}

func TestDeployer_DeployReverted(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	node.RevertWhen(func(int, *types.Transaction) bool { return true })
	d, _ := newTestDeployer(t, node)
	token, _ := requireArtifacts(t)

	_, err := d.Deploy(context.Background(), token, 21_000)
	assert.ErrorIs(t, err, publish.ErrReverted)

	_, ok := token.Address(testChainID)
	assert.False(t, ok)
}

func TestDeployer_DeploySendRejected(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	node.RejectSends("insufficient funds for gas * price + value")
	d, _ := newTestDeployer(t, node)
	token, _ := requireArtifacts(t)

	_, err := d.Deploy(context.Background(), token, 3_000_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Empty(t, node.Transactions())
}

func TestDeployer_DeployNoCode(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	node.OmitCode()
	d, _ := newTestDeployer(t, node)
	token, _ := requireArtifacts(t)

	_, err := d.Deploy(context.Background(), token, 3_000_000)
	assert.ErrorIs(t, err, publish.ErrNoCode)
}

func TestDeployer_DeployArgMismatchSendsNothing(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	d, _ := newTestDeployer(t, node)
	_, market := requireArtifacts(t)

	_, err := d.Deploy(context.Background(), market, 3_000_000)
	assert.ErrorIs(t, err, publish.ErrConstructorArgs)
	assert.Empty(t, node.Transactions())
}

func TestDeployer_WaitForReceiptHonoursContext(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	d, _ := newTestDeployer(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.WaitForReceipt(ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeployer_DeployPendingKeepsTransaction(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	node.WithholdReceipts()
	d, key := newTestDeployer(t, node)
	token, _ := requireArtifacts(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := d.Deploy(ctx, token, 3_000_000)
	require.ErrorIs(t, err, publish.ErrPending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	txs := node.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, txs[0].Hash(), res.TxHash)
	assert.Equal(t, crypto.CreateAddress(crypto.PubkeyToAddress(key.PublicKey), 0), res.ContractAddress)
	assert.Zero(t, res.BlockNumber)

	// Unconfirmed deployments are not written to the artifact.
	_, ok := token.Address(testChainID)
	assert.False(t, ok)
}

func TestDeployer_CodeAt(t *testing.T) {
	node := publishtest.NewNode(t, testChainID)
	d, _ := newTestDeployer(t, node)
	token, _ := requireArtifacts(t)

	code, err := d.CodeAt(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Empty(t, code)

	res, err := d.Deploy(context.Background(), token, 3_000_000)
	require.NoError(t, err)
	code, err = d.CodeAt(context.Background(), res.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, publishtest.RuntimeCode, code)
}
