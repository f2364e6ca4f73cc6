// Package anchoring drives the per-commit anchoring logic: it classifies the
// node's state from schema contents, proposes and signs anchoring
// transactions, reconciles the node's lect with the Bitcoin network and keeps
// the relay in sync with the recorded chain.
package anchoring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// NodeConfig is the per-node, non-consensus part of the configuration.
// Private keys accumulate across validator-set transitions, keyed by the
// anchoring address they control.
type NodeConfig struct {
	PrivateKeys map[string]*btcec.PrivateKey
	// LectCheckInterval is the number of host blocks between lect
	// re-checks against the Bitcoin network.
	LectCheckInterval uint64
}

// PrivateKey returns the key controlling the given anchoring address.
func (c *NodeConfig) PrivateKey(address string) (*btcec.PrivateKey, error) {
	key, ok := c.PrivateKeys[address]
	if !ok {
		return nil, fmt.Errorf("no private key for anchoring address %s", address)
	}
	return key, nil
}

// AddPrivateKey registers the key for an anchoring address, typically the
// following configuration's address ahead of a transition.
func (c *NodeConfig) AddPrivateKey(address string, key *btcec.PrivateKey) {
	if c.PrivateKeys == nil {
		c.PrivateKeys = make(map[string]*btcec.PrivateKey)
	}
	c.PrivateKeys[address] = key
}
