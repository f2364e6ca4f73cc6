package btc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// RedeemScript is the M-of-N CHECKMULTISIG script that guards every output
// in the anchoring chain. Key order is significant: reordering the same key
// set yields a different script and therefore a different P2SH address.
type RedeemScript struct {
	script []byte
	quorum int
	keys   []*btcec.PublicKey
}

// NewRedeemScript assembles `<M> <key_0> ... <key_n-1> <N> OP_CHECKMULTISIG`
// with compressed key serialization, preserving the order of keys.
func NewRedeemScript(keys []*btcec.PublicKey, quorum int) (*RedeemScript, error) {
	if len(keys) == 0 {
		return nil, errors.New("redeem script needs at least one key")
	}
	if quorum < 1 || quorum > len(keys) {
		return nil, fmt.Errorf("quorum %d out of range for %d keys", quorum, len(keys))
	}
	b := txscript.NewScriptBuilder()
	b.AddInt64(int64(quorum))
	for _, key := range keys {
		b.AddData(key.SerializeCompressed())
	}
	b.AddInt64(int64(len(keys)))
	b.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("build redeem script: %w", err)
	}
	kcopy := make([]*btcec.PublicKey, len(keys))
	copy(kcopy, keys)
	return &RedeemScript{script: script, quorum: quorum, keys: kcopy}, nil
}

// ParseRedeemScript recovers keys and quorum from a serialized redeem script.
func ParseRedeemScript(script []byte) (*RedeemScript, error) {
	var (
		nums     []int64
		keys     []*btcec.PublicKey
		sawCheck bool
	)
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if sawCheck {
			return nil, errors.New("trailing opcodes after OP_CHECKMULTISIG")
		}
		op := tokenizer.Opcode()
		switch {
		case op == txscript.OP_CHECKMULTISIG:
			sawCheck = true
		case op >= txscript.OP_1 && op <= txscript.OP_16:
			nums = append(nums, int64(op-txscript.OP_1)+1)
		case tokenizer.Data() != nil:
			key, err := btcec.ParsePubKey(tokenizer.Data())
			if err != nil {
				return nil, fmt.Errorf("parse redeem script key: %w", err)
			}
			keys = append(keys, key)
		default:
			return nil, errors.New("unexpected opcode in redeem script")
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("parse redeem script: %w", err)
	}
	if !sawCheck || len(nums) != 2 || int(nums[1]) != len(keys) {
		return nil, errors.New("malformed multisig redeem script")
	}
	if nums[0] < 1 || nums[0] > nums[1] {
		return nil, errors.New("malformed multisig quorum")
	}
	sc := make([]byte, len(script))
	copy(sc, script)
	return &RedeemScript{script: sc, quorum: int(nums[0]), keys: keys}, nil
}

// Script returns the serialized redeem script.
func (r *RedeemScript) Script() []byte {
	sc := make([]byte, len(r.script))
	copy(sc, r.script)
	return sc
}

// Quorum returns the number of signatures required to spend.
func (r *RedeemScript) Quorum() int { return r.quorum }

// Keys returns the public keys in script order.
func (r *RedeemScript) Keys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(r.keys))
	copy(keys, r.keys)
	return keys
}

// Address derives the P2SH address the script hash pays to.
func (r *RedeemScript) Address(params *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressScriptHash(r.script, params)
}

// PkScript returns the pay-to-script-hash output script for this redeem
// script, the form every anchoring and funding output must carry.
func (r *RedeemScript) PkScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(r.script)).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// Equal reports whether both scripts serialize to the same bytes.
func (r *RedeemScript) Equal(other *RedeemScript) bool {
	return other != nil && bytes.Equal(r.script, other.script)
}
