package migrations

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// StepError reports which deployment of a run failed. Orphan is set when an
// earlier step already created a contract that nothing will reference.
// PendingTx and PendingAddress are set when the failed step's transaction was
// broadcast but not confirmed, so the contract may still appear at
// PendingAddress.
type StepError struct {
	RunID          string
	Step           Step
	Contract       string
	Orphan         common.Address
	PendingTx      common.Hash
	PendingAddress common.Address
	Err            error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deploy %s (%s step, run %s", e.Contract, e.Step, e.RunID)
	if e.Orphan != (common.Address{}) {
		fmt.Fprintf(&b, ", token %s left deployed", e.Orphan.Hex())
	}
	if e.PendingTx != (common.Hash{}) {
		fmt.Fprintf(&b, ", tx %s may still create %s", e.PendingTx.Hex(), e.PendingAddress.Hex())
	}
	fmt.Fprintf(&b, "): %v", e.Err)
	return b.String()
}

func (e *StepError) Unwrap() error {
	return e.Err
}
