package marketplacetoken

import (
	"fmt"

	"github.com/cosmo-local-credit/marketplace/publish"
)

const (
	name     = "MarketplaceToken"
	GasLimit = 3_000_000
)

func Name() string        { return name }
func MaxGasLimit() uint64 { return GasLimit }

// Verify checks that art is a MarketplaceToken build whose constructor takes
// no arguments.
func Verify(art *publish.Artifact) error {
	if art.ContractName != name {
		return fmt.Errorf("%w: expected %s artifact, got %s", publish.ErrInvalidArtifact, name, art.ContractName)
	}
	if inputs := art.ConstructorInputs(); len(inputs) != 0 {
		return fmt.Errorf("%w: %s constructor takes %d argument(s), want none", publish.ErrConstructorArgs, name, len(inputs))
	}
	return nil
}

func ConstructorArgs() []any {
	return nil
}
