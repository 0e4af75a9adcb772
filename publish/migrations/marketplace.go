// Package migrations sequences the contract deployments that make up a
// release. Each migration resolves every artifact it needs up front, then
// deploys in dependency order through an injected Deployer.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cosmo-local-credit/marketplace/publish"
	"github.com/cosmo-local-credit/marketplace/publish/contracts/marketplace"
	"github.com/cosmo-local-credit/marketplace/publish/contracts/marketplacetoken"
)

const tracerName = "github.com/cosmo-local-credit/marketplace/publish/migrations"

type (
	// Deployer is the capability that creates a contract on chain and
	// returns once its address is known.
	Deployer interface {
		Deploy(ctx context.Context, art *publish.Artifact, gasLimit uint64, args ...any) (publish.DeployResult, error)
	}

	// Artifacts looks up compiled contracts by name and persists their
	// network tables after deployment.
	Artifacts interface {
		Require(name string) (*publish.Artifact, error)
		Save(art *publish.Artifact) error
	}

	// Marketplace deploys MarketplaceToken and then Marketplace, passing the
	// token address as Marketplace's only constructor argument.
	Marketplace struct {
		Deployer  Deployer
		Artifacts Artifacts
		Recorder  Recorder
		Logger    *slog.Logger

		ChainID             uint64
		From                common.Address
		TokenGasLimit       uint64
		MarketplaceGasLimit uint64
	}

	Result struct {
		RunID       string
		Token       publish.DeployResult
		Marketplace publish.DeployResult
	}
)

// Run executes the migration once. It is not idempotent: every call creates
// two new contracts.
func (m *Marketplace) Run(ctx context.Context) (Result, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := m.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	tokenArt, err := m.Artifacts.Require(marketplacetoken.Name())
	if err != nil {
		return Result{}, err
	}
	if err := marketplacetoken.Verify(tokenArt); err != nil {
		return Result{}, err
	}
	marketArt, err := m.Artifacts.Require(marketplace.Name())
	if err != nil {
		return Result{}, err
	}
	if err := marketplace.Verify(marketArt); err != nil {
		return Result{}, err
	}

	run := Run{
		ID:        uuid.NewString(),
		ChainID:   m.ChainID,
		Deployer:  m.From,
		StartedAt: time.Now().UTC(),
	}
	if err := recorder.StartRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("record run start: %w", err)
	}
	logger = logger.With("run_id", run.ID, "chain_id", m.ChainID)
	logger.Info("migration started", "deployer", m.From.Hex())

	out := Result{RunID: run.ID}

	out.Token, err = m.deployStep(ctx, logger, recorder, run.ID, StepToken, tokenArt, gasOr(m.TokenGasLimit, marketplacetoken.MaxGasLimit()), marketplacetoken.ConstructorArgs())
	if err != nil {
		m.fail(ctx, logger, recorder, run.ID, err)
		stepErr := &StepError{RunID: run.ID, Step: StepToken, Contract: tokenArt.ContractName, Err: err}
		if isPending(out.Token, err) {
			stepErr.PendingTx = out.Token.TxHash
			stepErr.PendingAddress = out.Token.ContractAddress
		}
		return out, stepErr
	}
	m.setStatus(ctx, logger, recorder, run.ID, StatusTokenDeployed, nil)

	args := marketplace.ConstructorArgs(marketplace.InitArgs{Token: out.Token.ContractAddress})
	out.Marketplace, err = m.deployStep(ctx, logger, recorder, run.ID, StepMarketplace, marketArt, gasOr(m.MarketplaceGasLimit, marketplace.MaxGasLimit()), args)
	if err != nil {
		logger.Warn("token left deployed without marketplace",
			"token", out.Token.ContractAddress.Hex(),
			"token_tx", out.Token.TxHash.Hex(),
		)
		m.fail(ctx, logger, recorder, run.ID, err)
		stepErr := &StepError{
			RunID:    run.ID,
			Step:     StepMarketplace,
			Contract: marketArt.ContractName,
			Orphan:   out.Token.ContractAddress,
			Err:      err,
		}
		if isPending(out.Marketplace, err) {
			stepErr.PendingTx = out.Marketplace.TxHash
			stepErr.PendingAddress = out.Marketplace.ContractAddress
		}
		return out, stepErr
	}
	m.setStatus(ctx, logger, recorder, run.ID, StatusCompleted, nil)

	logger.Info("migration completed",
		"token", out.Token.ContractAddress.Hex(),
		"marketplace", out.Marketplace.ContractAddress.Hex(),
	)
	return out, nil
}

func (m *Marketplace) deployStep(ctx context.Context, logger *slog.Logger, recorder Recorder, runID string, step Step, art *publish.Artifact, gasLimit uint64, args []any) (publish.DeployResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deploy "+art.ContractName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("contract", art.ContractName),
			attribute.String("step", string(step)),
			attribute.Int64("gas_limit", int64(gasLimit)),
		),
	)
	defer span.End()

	logger.Info("deploying", "step", step, "contract", art.ContractName, "args", formatArgs(args))
	res, err := m.Deployer.Deploy(ctx, art, gasLimit, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !isPending(res, err) {
			return publish.DeployResult{}, err
		}
		span.SetAttributes(
			attribute.String("address", res.ContractAddress.Hex()),
			attribute.String("tx_hash", res.TxHash.Hex()),
		)
		logger.Warn("deployment unconfirmed",
			"step", step,
			"contract", art.ContractName,
			"tx_hash", res.TxHash.Hex(),
			"address", res.ContractAddress.Hex(),
		)
		// ctx is usually what expired here.
		if rerr := recorder.RecordStep(context.WithoutCancel(ctx), runID, StepRecord{
			Step:            step,
			Contract:        art.ContractName,
			Result:          res,
			ConstructorArgs: formatArgs(args),
			Pending:         true,
		}); rerr != nil {
			logger.Error("record step", "step", step, "error", rerr)
		}
		return res, err
	}
	span.SetAttributes(
		attribute.String("address", res.ContractAddress.Hex()),
		attribute.String("tx_hash", res.TxHash.Hex()),
	)

	// Bookkeeping failures after a successful creation are logged, not returned.
	if err := m.Artifacts.Save(art); err != nil {
		logger.Error("save artifact", "contract", art.ContractName, "error", err)
	} else {
		logger.Debug("artifact saved", "contract", art.ContractName, "path", art.Path())
	}
	if err := recorder.RecordStep(context.WithoutCancel(ctx), runID, StepRecord{
		Step:            step,
		Contract:        art.ContractName,
		Result:          res,
		ConstructorArgs: formatArgs(args),
	}); err != nil {
		logger.Error("record step", "step", step, "error", err)
	}
	return res, nil
}

func (m *Marketplace) fail(ctx context.Context, logger *slog.Logger, recorder Recorder, runID string, cause error) {
	logger.Error("migration failed", "error", cause)
	// Record the failure even when ctx is what failed.
	ctx = context.WithoutCancel(ctx)
	m.setStatus(ctx, logger, recorder, runID, StatusFailed, cause)
}

func (m *Marketplace) setStatus(ctx context.Context, logger *slog.Logger, recorder Recorder, runID string, status Status, cause error) {
	if err := recorder.SetStatus(ctx, runID, status, cause); err != nil {
		logger.Error("record status", "status", status, "error", err)
	}
}

// isPending reports whether a failed deployment still has a broadcast
// transaction that may be mined later.
func isPending(res publish.DeployResult, err error) bool {
	return errors.Is(err, publish.ErrPending) && res.TxHash != (common.Hash{})
}

func gasOr(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

func formatArgs(args []any) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case common.Address:
			out[i] = v.Hex()
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}
