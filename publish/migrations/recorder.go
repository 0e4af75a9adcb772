package migrations

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cosmo-local-credit/marketplace/publish"
)

type (
	Step   string
	Status string
)

const (
	StepToken       Step = "token"
	StepMarketplace Step = "marketplace"

	StatusStarted       Status = "started"
	StatusTokenDeployed Status = "token_deployed"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type (
	Run struct {
		ID        string
		ChainID   uint64
		Deployer  common.Address
		StartedAt time.Time
	}

	StepRecord struct {
		Step            Step
		Contract        string
		Result          publish.DeployResult
		ConstructorArgs []string
		// Pending marks a creation that was broadcast but never confirmed.
		// Result then holds only the tx hash and predicted address.
		Pending bool
	}

	// Recorder keeps the deployment history of migration runs.
	Recorder interface {
		StartRun(ctx context.Context, run Run) error
		RecordStep(ctx context.Context, runID string, step StepRecord) error
		SetStatus(ctx context.Context, runID string, status Status, cause error) error
	}

	NopRecorder struct{}
)

func (NopRecorder) StartRun(context.Context, Run) error { return nil }
func (NopRecorder) RecordStep(context.Context, string, StepRecord) error { return nil }
func (NopRecorder) SetStatus(context.Context, string, Status, error) error { return nil }
