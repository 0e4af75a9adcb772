package publish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
)

const DefaultPollInterval = 2 * time.Second

var (
	ErrReverted      = errors.New("transaction reverted")
	ErrNoCode        = errors.New("no code at contract address")
	ErrChainMismatch = errors.New("chain id mismatch")
	ErrPending       = errors.New("transaction sent but not confirmed")
)

type (
	DeployResult struct {
		TxHash          common.Hash
		ContractAddress common.Address
		BlockNumber     uint64
		GasUsed         uint64
	}

	Deployer struct {
		client       *w3.Client
		chainID      uint64
		signer       types.Signer
		key          *ecdsa.PrivateKey
		address      common.Address
		gasFeeCap    *big.Int
		gasTipCap    *big.Int
		pollInterval time.Duration
		logger       *slog.Logger
	}

	Option func(*Deployer)
)

func WithPollInterval(d time.Duration) Option {
	return func(dep *Deployer) {
		if d > 0 {
			dep.pollInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(dep *Deployer) {
		if logger != nil {
			dep.logger = logger
		}
	}
}

// NewDeployer dials rpcURL and refuses to continue when the node reports a
// chain id other than chainID.
func NewDeployer(ctx context.Context, rpcURL string, chainID uint64, privateKey *ecdsa.PrivateKey, gasFeeCap, gasTipCap *big.Int, opts ...Option) (*Deployer, error) {
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	d := &Deployer{
		client:       client,
		chainID:      chainID,
		signer:       types.NewLondonSigner(new(big.Int).SetUint64(chainID)),
		key:          privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		gasFeeCap:    gasFeeCap,
		gasTipCap:    gasTipCap,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.checkChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deployer) Address() common.Address {
	return d.address
}

func (d *Deployer) ChainID() uint64 {
	return d.chainID
}

func (d *Deployer) Close() error {
	return d.client.Close()
}

func (d *Deployer) checkChainID(ctx context.Context) error {
	var remote uint64
	if err := d.client.CallCtx(ctx, eth.ChainID().Returns(&remote)); err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if remote != d.chainID {
		return fmt.Errorf("%w: node reports %d, configured %d", ErrChainMismatch, remote, d.chainID)
	}
	return nil
}

func (d *Deployer) getNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	if err := d.client.CallCtx(ctx, eth.Nonce(d.address, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

func (d *Deployer) sendTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signedTx, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	var hash common.Hash
	if err := d.client.CallCtx(ctx, eth.SendTx(signedTx).Returns(&hash)); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	if hash != signedTx.Hash() {
		return common.Hash{}, fmt.Errorf("send tx: node returned hash %s, signed %s", hash.Hex(), signedTx.Hash().Hex())
	}
	return hash, nil
}

// SendCreate broadcasts a contract-creation transaction carrying data and
// returns the address the contract will occupy once mined. It does not wait.
func (d *Deployer) SendCreate(ctx context.Context, data []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	contractAddr := crypto.CreateAddress(d.address, nonce)

	//  EIP-1559 only
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(d.chainID),
		Nonce:     nonce,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      data,
	})

	txHash, err := d.sendTx(ctx, tx)
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: contractAddr,
	}, nil
}

// Deploy publishes art with the given constructor arguments, waits for the
// receipt and records the resulting address in art's network table.
//
// When the transaction was broadcast but no receipt arrived before ctx ended,
// Deploy returns the tx hash and predicted address together with an error
// wrapping ErrPending.
func (d *Deployer) Deploy(ctx context.Context, art *Artifact, gasLimit uint64, args ...any) (DeployResult, error) {
	name := art.ContractName
	data, err := art.DeployData(args...)
	if err != nil {
		return DeployResult{}, fmt.Errorf("encode %s deployment: %w", name, err)
	}

	result, err := d.SendCreate(ctx, data, gasLimit)
	if err != nil {
		return DeployResult{}, fmt.Errorf("deploy %s: %w", name, err)
	}
	d.logger.Info("contract creation sent",
		"contract", name,
		"tx_hash", result.TxHash.Hex(),
		"address", result.ContractAddress.Hex(),
	)

	receipt, err := d.WaitForReceipt(ctx, result.TxHash)
	if err != nil {
		// The transaction is broadcast and may still be mined.
		return result, fmt.Errorf("wait %s: %w: %w", name, ErrPending, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return DeployResult{}, fmt.Errorf("%s deployment %s: %w", name, result.TxHash.Hex(), ErrReverted)
	}
	if receipt.ContractAddress != (common.Address{}) {
		result.ContractAddress = receipt.ContractAddress
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	result.GasUsed = receipt.GasUsed

	code, err := d.CodeAt(ctx, result.ContractAddress)
	if err != nil {
		return DeployResult{}, err
	}
	if len(code) == 0 {
		return DeployResult{}, fmt.Errorf("%s at %s: %w", name, result.ContractAddress.Hex(), ErrNoCode)
	}

	art.SetNetwork(d.chainID, result)
	d.logger.Info("contract deployed",
		"contract", name,
		"address", result.ContractAddress.Hex(),
		"block", result.BlockNumber,
		"gas_used", result.GasUsed,
	)
	return result, nil
}

func (d *Deployer) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := d.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code %s: %w", addr.Hex(), err)
	}
	return code, nil
}

func (d *Deployer) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := d.client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt))
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			d.logger.Debug("receipt not available", "tx_hash", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
