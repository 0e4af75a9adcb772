package publishtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const (
	TokenABI       = `[{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	MarketplaceABI = `[{"inputs":[{"internalType":"address","name":"_token","type":"address"}],"stateMutability":"nonpayable","type":"constructor"},{"inputs":[],"name":"token","outputs":[{"internalType":"contract IERC20","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

	TokenBytecode       = "0x6080604052348015600f57600080fd5b50"
	MarketplaceBytecode = "0x608060405234801561001057600080fd5b5060405161"
)

// WriteArtifact writes a minimal build artifact for name into dir and
// returns its path.
func WriteArtifact(t testing.TB, dir, name, abiJSON, bytecode string) string {
	t.Helper()
	doc := map[string]any{
		"contractName":  name,
		"abi":           json.RawMessage(abiJSON),
		"bytecode":      bytecode,
		"networks":      map[string]any{},
		"schemaVersion": "3.4.16",
	}
	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("encode artifact %s: %v", name, err)
	}
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("write artifact %s: %v", name, err)
	}
	return path
}

// WriteMarketplaceArtifacts writes MarketplaceToken and Marketplace
// artifacts into a fresh temp dir and returns the dir.
func WriteMarketplaceArtifacts(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	WriteArtifact(t, dir, "MarketplaceToken", TokenABI, TokenBytecode)
	WriteArtifact(t, dir, "Marketplace", MarketplaceABI, MarketplaceBytecode)
	return dir
}
