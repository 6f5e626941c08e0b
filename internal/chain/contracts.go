package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Logical contract names used for selection across the engine.
const (
	ContractOracleRegistry  = "oracleRegistry"
	ContractProposalManager = "proposalManager"
	ContractStakingManager  = "stakingManager"
)

// OracleRegistryABI is the ABI for the event registry contract. It owns the
// canonical on-chain event records and settlement.
const OracleRegistryABI = `[
	{
		"constant": true,
		"inputs": [{"name": "eventId", "type": "bytes32"}],
		"name": "getEvent",
		"outputs": [
			{"name": "description", "type": "string"},
			{"name": "resolutionTime", "type": "uint256"},
			{"name": "status", "type": "uint8"},
			{"name": "outcomeHash", "type": "bytes32"},
			{"name": "proposer", "type": "address"},
			{"name": "rewardPool", "type": "uint256"},
			{"name": "settled", "type": "bool"}
		],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [{"name": "eventId", "type": "bytes32"}],
		"name": "settleEvent",
		"outputs": [],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "eventId", "type": "bytes32"},
			{"indexed": true, "name": "creator", "type": "address"},
			{"indexed": false, "name": "description", "type": "string"},
			{"indexed": false, "name": "resolutionTime", "type": "uint256"}
		],
		"name": "EventCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "eventId", "type": "bytes32"},
			{"indexed": false, "name": "rewardPool", "type": "uint256"}
		],
		"name": "EventSettled",
		"type": "event"
	}
]`

// ProposalManagerABI is the ABI for the proposal manager contract. Proposal
// submission carries the bond as transaction value.
const ProposalManagerABI = `[
	{
		"constant": false,
		"inputs": [
			{"name": "eventId", "type": "bytes32"},
			{"name": "outcomeHash", "type": "bytes32"},
			{"name": "outcome", "type": "bytes"},
			{"name": "evidenceURI", "type": "string"}
		],
		"name": "submitProposal",
		"outputs": [{"name": "proposalId", "type": "bytes32"}],
		"payable": true,
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [{"name": "proposalId", "type": "bytes32"}],
		"name": "finalizeProposal",
		"outputs": [],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "proposalId", "type": "bytes32"},
			{"indexed": true, "name": "eventId", "type": "bytes32"},
			{"indexed": true, "name": "proposer", "type": "address"},
			{"indexed": false, "name": "bondAmount", "type": "uint256"},
			{"indexed": false, "name": "livenessExpiry", "type": "uint256"}
		],
		"name": "ProposalSubmitted",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "proposalId", "type": "bytes32"},
			{"indexed": false, "name": "outcomeHash", "type": "bytes32"}
		],
		"name": "ProposalFinalized",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "proposalId", "type": "bytes32"},
			{"indexed": true, "name": "challenger", "type": "address"},
			{"indexed": false, "name": "bondAmount", "type": "uint256"}
		],
		"name": "ProposalDisputed",
		"type": "event"
	}
]`

// StakingManagerABI is the ABI for the staking manager contract. The engine
// only reads it (bond floor, stake lookups); slashing is driven elsewhere.
const StakingManagerABI = `[
	{
		"constant": true,
		"inputs": [],
		"name": "minimumBond",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "staker", "type": "address"}],
		"name": "stakeOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "staker", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "Slashed",
		"type": "event"
	}
]`

// Contract bundles a bound contract with its parsed ABI and address.
type Contract struct {
	Bound   *bind.BoundContract
	ABI     abi.ABI
	Address common.Address
}

// Contracts holds the three engine contracts, selected by logical name.
type Contracts struct {
	byName map[string]*Contract
}

// LoadContracts parses the three ABIs and binds them to their deployed
// addresses. One-shot at startup; any failure here is fatal.
func LoadContracts(client *Client, registryAddr, proposalAddr, stakingAddr string) (*Contracts, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("chain client not connected")
	}

	entries := []struct {
		name    string
		rawABI  string
		address string
	}{
		{ContractOracleRegistry, OracleRegistryABI, registryAddr},
		{ContractProposalManager, ProposalManagerABI, proposalAddr},
		{ContractStakingManager, StakingManagerABI, stakingAddr},
	}

	cs := &Contracts{byName: make(map[string]*Contract, len(entries))}
	for _, entry := range entries {
		if !common.IsHexAddress(entry.address) {
			return nil, fmt.Errorf("invalid %s address: %q", entry.name, entry.address)
		}
		parsed, err := abi.JSON(strings.NewReader(entry.rawABI))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s ABI: %w", entry.name, err)
		}
		addr := common.HexToAddress(entry.address)
		eth := client.Eth()
		cs.byName[entry.name] = &Contract{
			Bound:   bind.NewBoundContract(addr, parsed, eth, eth, eth),
			ABI:     parsed,
			Address: addr,
		}
	}
	return cs, nil
}

// ByName returns the contract registered under the logical name.
func (c *Contracts) ByName(name string) (*Contract, error) {
	contract, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown contract: %q", name)
	}
	return contract, nil
}

// MustParseABI parses a raw ABI string, panicking on failure. Used for the
// package's own constants, which are validated by tests.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
