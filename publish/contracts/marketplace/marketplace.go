package marketplace

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cosmo-local-credit/marketplace/publish"
)

const (
	name     = "Marketplace"
	GasLimit = 4_000_000
)

// InitArgs are the Marketplace constructor parameters.
type InitArgs struct {
	Token common.Address
}

func Name() string        { return name }
func MaxGasLimit() uint64 { return GasLimit }

// Verify checks that art is a Marketplace build whose constructor takes a
// single address, the payment token.
func Verify(art *publish.Artifact) error {
	if art.ContractName != name {
		return fmt.Errorf("%w: expected %s artifact, got %s", publish.ErrInvalidArtifact, name, art.ContractName)
	}
	inputs := art.ConstructorInputs()
	if len(inputs) != 1 || inputs[0].Type.T != abi.AddressTy {
		return fmt.Errorf("%w: %s constructor must be (address), got (%s)", publish.ErrConstructorArgs, name, signature(inputs))
	}
	return nil
}

func ConstructorArgs(args InitArgs) []any {
	return []any{args.Token}
}

func signature(inputs abi.Arguments) string {
	types := make([]string, len(inputs))
	for i, in := range inputs {
		types[i] = in.Type.String()
	}
	return strings.Join(types, ",")
}
