package config

import (
	"strings"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ApplyAlloc credits every genesis allocation in state without committing.
func ApplyAlloc(cfg *Config, state core.State) error {
	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		if err := state.SetAccount(&core.Account{Address: pubkeyHex, Balance: balance}); err != nil {
			return err
		}
	}
	return nil
}

// CreateGenesisBlock builds and signs block #0 from the config's Alloc map.
// It also sets initial account balances in state and commits.
func CreateGenesisBlock(cfg *Config, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	if err := ApplyAlloc(cfg, state); err != nil {
		return nil, err
	}
	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, GenesisHash, proposerPriv.Public().Hex(), nil)
	block.Header.StateRoot = stateRoot
	// The chain ID is bound into the genesis block through TxRoot.
	block.Header.TxRoot = crypto.Hash([]byte(cfg.Genesis.ChainID))
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return len(h) == 64 && strings.Count(h, "0") == len(h)
}
