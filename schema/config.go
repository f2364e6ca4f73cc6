// Package schema persists the anchoring service state: per-validator lect
// sequences, known transactions and signatures, the anchoring transaction
// chain, and the configuration history. All writes go through a storage fork
// so a commit's changes land atomically.
package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/exonum/exonum-anchoring/btc"
)

// MajorityCount is the number of agreeing validators required to accept a
// fact in an n-validator configuration.
func MajorityCount(n int) int {
	return n*2/3 + 1
}

// Config is one immutable entry of the anchoring configuration history. Key
// order is significant: it fixes the redeem script bytes and therefore the
// anchoring address.
type Config struct {
	// ValidatorKeys are the anchoring public keys in configuration order.
	ValidatorKeys []*btcec.PublicKey
	// FundingTx roots the anchoring chain and, while unspent, joins
	// proposals as an extra input.
	FundingTx btc.FundingTx
	// Fee is the fee in satoshi attached to every anchoring transaction.
	Fee int64
	// Interval is the number of host blocks between anchored blocks.
	Interval uint64
	// Confirmations is the depth a funding or transition transaction needs
	// before the chain builds on it.
	Confirmations int64
	// Network selects address encoding.
	Network *chaincfg.Params
}

// MajorityCount returns the quorum for this configuration.
func (c *Config) MajorityCount() int {
	return MajorityCount(len(c.ValidatorKeys))
}

// RedeemScript builds the multisig redeem script for this configuration.
func (c *Config) RedeemScript() (*btc.RedeemScript, error) {
	return btc.NewRedeemScript(c.ValidatorKeys, c.MajorityCount())
}

// Address derives the anchoring address.
func (c *Config) Address() (btcutil.Address, error) {
	redeem, err := c.RedeemScript()
	if err != nil {
		return nil, err
	}
	return redeem.Address(c.Network)
}

// NearestAnchoringHeight returns the first anchorable height at or above h.
func (c *Config) NearestAnchoringHeight(h uint64) uint64 {
	if c.Interval == 0 {
		return h
	}
	rem := h % c.Interval
	if rem == 0 {
		return h
	}
	return h + c.Interval - rem
}

// PreviousAnchoringHeight returns the latest anchorable height at or below h.
func (c *Config) PreviousAnchoringHeight(h uint64) uint64 {
	if c.Interval == 0 {
		return h
	}
	return h - h%c.Interval
}

// ValidatorIndex returns the position of key in the configuration, or false
// when the key is not a validator here.
func (c *Config) ValidatorIndex(key *btcec.PublicKey) (int, bool) {
	for i, k := range c.ValidatorKeys {
		if k.IsEqual(key) {
			return i, true
		}
	}
	return 0, false
}

// configJSON is the serialized form stored in the configuration history and
// accepted in config files.
type configJSON struct {
	ValidatorKeys []string `json:"validator_keys"`
	FundingTx     string   `json:"funding_tx"`
	Fee           int64    `json:"fee"`
	Interval      uint64   `json:"interval"`
	Confirmations int64    `json:"confirmations"`
	Network       string   `json:"network"`
}

// MarshalJSON encodes keys compressed-hex and the funding tx raw-hex.
func (c Config) MarshalJSON() ([]byte, error) {
	out := configJSON{
		FundingTx:     c.FundingTx.Hex(),
		Fee:           c.Fee,
		Interval:      c.Interval,
		Confirmations: c.Confirmations,
		Network:       c.Network.Name,
	}
	for _, k := range c.ValidatorKeys {
		out.ValidatorKeys = append(out.ValidatorKeys, hex.EncodeToString(k.SerializeCompressed()))
	}
	return json.Marshal(out)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var in configJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	keys := make([]*btcec.PublicKey, 0, len(in.ValidatorKeys))
	for _, s := range in.ValidatorKeys {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("validator key %q: %w", s, err)
		}
		key, err := btcec.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("validator key %q: %w", s, err)
		}
		keys = append(keys, key)
	}
	tx, err := btc.FromHex(in.FundingTx)
	if err != nil {
		return fmt.Errorf("funding tx: %w", err)
	}
	funding, ok := btc.AsFunding(tx)
	if !ok {
		return fmt.Errorf("transaction %s is not a funding transaction", tx.ID())
	}
	params, err := NetworkParams(in.Network)
	if err != nil {
		return err
	}
	c.ValidatorKeys = keys
	c.FundingTx = funding
	c.Fee = in.Fee
	c.Interval = in.Interval
	c.Confirmations = in.Confirmations
	c.Network = params
	return nil
}

// NetworkParams resolves a network name from a stored configuration.
func NetworkParams(name string) (*chaincfg.Params, error) {
	for _, params := range []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
		&chaincfg.SimNetParams,
	} {
		if params.Name == name {
			return params, nil
		}
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", name)
}
