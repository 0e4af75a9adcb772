package publish

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidArtifact  = errors.New("invalid artifact")
	ErrConstructorArgs  = errors.New("constructor argument mismatch")
)

type (
	// NetworkEntry is the per-chain deployment record kept inside a build
	// artifact, keyed by decimal chain id.
	NetworkEntry struct {
		Address         string `json:"address"`
		TransactionHash string `json:"transactionHash"`
	}

	// Artifact is a compiled contract as emitted into build/contracts by the
	// Truffle toolchain. Fields this package does not understand are preserved
	// verbatim on Save.
	Artifact struct {
		ContractName string
		ABI          abi.ABI
		Bytecode     []byte
		Networks     map[string]NetworkEntry

		path string
		raw  map[string]json.RawMessage
	}

	// ArtifactDir resolves artifacts by contract name from a build directory.
	ArtifactDir struct {
		root string
	}
)

func NewArtifactDir(root string) *ArtifactDir {
	return &ArtifactDir{root: root}
}

func (d *ArtifactDir) Root() string {
	return d.root
}

func (d *ArtifactDir) Require(name string) (*Artifact, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: empty contract name", ErrArtifactNotFound)
	}
	return LoadArtifact(filepath.Join(d.root, name+".json"))
}

func (d *ArtifactDir) Save(art *Artifact) error {
	return art.Save()
}

func LoadArtifact(path string) (*Artifact, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	art, err := ParseArtifact(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	art.path = path
	return art, nil
}

func ParseArtifact(blob []byte) (*Artifact, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	art := &Artifact{raw: raw, Networks: map[string]NetworkEntry{}}
	if err := json.Unmarshal(raw["contractName"], &art.ContractName); err != nil || art.ContractName == "" {
		return nil, fmt.Errorf("%w: missing contractName", ErrInvalidArtifact)
	}

	abiJSON, ok := raw["abi"]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no abi", ErrInvalidArtifact, art.ContractName)
	}
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %s abi: %v", ErrInvalidArtifact, art.ContractName, err)
	}
	art.ABI = parsed

	var bytecodeHex string
	if err := json.Unmarshal(raw["bytecode"], &bytecodeHex); err != nil {
		return nil, fmt.Errorf("%w: %s has no bytecode", ErrInvalidArtifact, art.ContractName)
	}
	code, err := decodeHex(bytecodeHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s bytecode: %v", ErrInvalidArtifact, art.ContractName, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s has empty bytecode (abstract contract or interface)", ErrInvalidArtifact, art.ContractName)
	}
	art.Bytecode = code

	if networks, ok := raw["networks"]; ok {
		if err := json.Unmarshal(networks, &art.Networks); err != nil {
			return nil, fmt.Errorf("%w: %s networks: %v", ErrInvalidArtifact, art.ContractName, err)
		}
		if art.Networks == nil {
			art.Networks = map[string]NetworkEntry{}
		}
	}
	return art, nil
}

// ConstructorInputs returns the declared constructor parameters.
func (a *Artifact) ConstructorInputs() abi.Arguments {
	return a.ABI.Constructor.Inputs
}

// DeployData returns the creation bytecode followed by the ABI-encoded
// constructor arguments.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	inputs := a.ConstructorInputs()
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("%w: %s constructor takes %d argument(s), got %d", ErrConstructorArgs, a.ContractName, len(inputs), len(args))
	}
	packed, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConstructorArgs, a.ContractName, err)
	}
	data := make([]byte, 0, len(a.Bytecode)+len(packed))
	data = append(data, a.Bytecode...)
	return append(data, packed...), nil
}

// Address returns the address recorded for chainID, if any.
func (a *Artifact) Address(chainID uint64) (common.Address, bool) {
	entry, ok := a.Networks[strconv.FormatUint(chainID, 10)]
	if !ok || !common.IsHexAddress(entry.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(entry.Address), true
}

func (a *Artifact) SetNetwork(chainID uint64, res DeployResult) {
	if a.Networks == nil {
		a.Networks = map[string]NetworkEntry{}
	}
	a.Networks[strconv.FormatUint(chainID, 10)] = NetworkEntry{
		Address:         res.ContractAddress.Hex(),
		TransactionHash: res.TxHash.Hex(),
	}
}

func (a *Artifact) Path() string {
	return a.path
}

// Save writes the artifact back to the file it was loaded from with the
// current network table.
func (a *Artifact) Save() error {
	if a.path == "" {
		return fmt.Errorf("save %s: artifact was not loaded from disk", a.ContractName)
	}
	if a.raw == nil {
		a.raw = map[string]json.RawMessage{}
	}
	networks, err := json.Marshal(a.Networks)
	if err != nil {
		return fmt.Errorf("encode %s networks: %w", a.ContractName, err)
	}
	updatedAt, err := json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	a.raw["networks"] = networks
	a.raw["updatedAt"] = updatedAt

	blob, err := json.MarshalIndent(a.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.ContractName, err)
	}
	if err := os.WriteFile(a.path, append(blob, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", a.path, err)
	}
	return nil
}

func decodeHex(hexStr string) ([]byte, error) {
	hexStr = strings.TrimPrefix(strings.TrimSpace(hexStr), "0x")
	if strings.Contains(hexStr, "__") {
		return nil, errors.New("unlinked library placeholder")
	}
	return hex.DecodeString(hexStr)
}
