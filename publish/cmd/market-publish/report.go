package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/cosmo-local-credit/marketplace/publish"
	"github.com/cosmo-local-credit/marketplace/publish/migrations"
)

type (
	report struct {
		RunID       string           `json:"run_id,omitempty" yaml:"run_id,omitempty"`
		ChainID     uint64           `json:"chain_id" yaml:"chain_id"`
		Deployer    string           `json:"deployer" yaml:"deployer"`
		Token       deployedContract `json:"token" yaml:"token"`
		Marketplace deployedContract `json:"marketplace" yaml:"marketplace"`
	}

	deployedContract struct {
		Address     string `json:"address" yaml:"address"`
		TxHash      string `json:"tx_hash" yaml:"tx_hash"`
		BlockNumber uint64 `json:"block_number" yaml:"block_number"`
		GasUsed     uint64 `json:"gas_used" yaml:"gas_used"`
	}
)

func newReport(chainID uint64, from common.Address, res migrations.Result) report {
	return report{
		RunID:       res.RunID,
		ChainID:     chainID,
		Deployer:    from.Hex(),
		Token:       newDeployedContract(res.Token),
		Marketplace: newDeployedContract(res.Marketplace),
	}
}

func newDeployedContract(res publish.DeployResult) deployedContract {
	return deployedContract{
		Address:     res.ContractAddress.Hex(),
		TxHash:      res.TxHash.Hex(),
		BlockNumber: res.BlockNumber,
		GasUsed:     res.GasUsed,
	}
}

// writeReport encodes v to w as JSON or YAML.
func writeReport(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
