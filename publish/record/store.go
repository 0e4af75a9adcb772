package record

import (
	"context"
	"time"

	"github.com/cosmo-local-credit/marketplace/publish/migrations"
)

// Store is the deployment history. It satisfies migrations.Recorder so a
// migration can write to it directly.
type Store interface {
	migrations.Recorder

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)
	ListDeploymentsByAddress(ctx context.Context, address string) ([]Deployment, error)

	Close() error
}

type (
	Run struct {
		ID          string            `json:"id" yaml:"id"`
		ChainID     uint64            `json:"chain_id" yaml:"chain_id"`
		Deployer    string            `json:"deployer" yaml:"deployer"`
		Status      migrations.Status `json:"status" yaml:"status"`
		Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
		StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
		UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
		FinishedAt  *time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
		Deployments []Deployment      `json:"deployments,omitempty" yaml:"deployments,omitempty"`
	}

	Deployment struct {
		RunID           string          `json:"run_id" yaml:"run_id"`
		Step            migrations.Step `json:"step" yaml:"step"`
		Contract        string          `json:"contract" yaml:"contract"`
		Address         string          `json:"address" yaml:"address"`
		TxHash          string          `json:"tx_hash" yaml:"tx_hash"`
		BlockNumber     uint64          `json:"block_number" yaml:"block_number"`
		GasUsed         uint64          `json:"gas_used" yaml:"gas_used"`
		ConstructorArgs []string        `json:"constructor_args" yaml:"constructor_args"`
		Pending         bool            `json:"pending,omitempty" yaml:"pending,omitempty"`
		CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
	}

	ListOptions struct {
		Limit  int
		Offset int
	}
)

// Normalize clamps Limit to [1, 100] (default 20) and Offset to >= 0.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
