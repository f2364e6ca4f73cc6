package btc

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
)

// InputSignature is one validator's DER-encoded ECDSA signature (with the
// trailing SIGHASH_ALL byte) over one input of an anchoring proposal.
type InputSignature struct {
	ValidatorID uint16
	Input       uint32
	Signature   []byte
}

// SignTxInput signs the given input of tx against the redeem script. The
// returned bytes are the canonical DER signature followed by the SIGHASH_ALL
// byte, exactly what the scriptSig carries.
func SignTxInput(tx Tx, input int, redeem *RedeemScript, key *btcec.PrivateKey) ([]byte, error) {
	if input < 0 || input >= tx.NumInputs() {
		return nil, fmt.Errorf("input %d out of range", input)
	}
	sig, err := txscript.RawTxInSignature(tx.wtx, input, redeem.Script(), txscript.SigHashAll, key)
	if err != nil {
		return nil, fmt.Errorf("sign input %d: %w", input, err)
	}
	return sig, nil
}

// VerifyTxInput checks a collected signature against one public key. It
// accepts both bare DER signatures and DER plus a trailing hashtype byte.
func VerifyTxInput(tx Tx, input int, redeem *RedeemScript, key *btcec.PublicKey, sigBytes []byte) bool {
	if input < 0 || input >= tx.NumInputs() || len(sigBytes) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		// Retry without the hashtype byte.
		sig, err = ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
		if err != nil {
			return false
		}
	}
	hash, err := txscript.CalcSignatureHash(redeem.Script(), txscript.SigHashAll, tx.wtx, input)
	if err != nil {
		return false
	}
	return sig.Verify(hash, key)
}

// Finalize fills every input's scriptSig from the collected signatures and
// returns the broadcast-ready transaction. For each input it selects the
// quorum signatures with the lowest validator ids, orders them by validator
// id (matching redeem script key order), and verifies the assembled script
// against the P2SH output it spends. The receiver is not modified.
func (t AnchoringTx) Finalize(redeem *RedeemScript, sigs []InputSignature) (AnchoringTx, error) {
	quorum := redeem.Quorum()
	byInput := make(map[uint32][]InputSignature)
	for _, s := range sigs {
		byInput[s.Input] = append(byInput[s.Input], s)
	}

	wtx := t.wtx.Copy()
	prevPkScript, err := redeem.PkScript()
	if err != nil {
		return AnchoringTx{}, err
	}
	for i := range wtx.TxIn {
		input := uint32(i)
		collected := byInput[input]
		sort.Slice(collected, func(a, b int) bool {
			return collected[a].ValidatorID < collected[b].ValidatorID
		})
		// Drop duplicate submissions from the same validator.
		dedup := collected[:0]
		for _, s := range collected {
			if len(dedup) > 0 && dedup[len(dedup)-1].ValidatorID == s.ValidatorID {
				continue
			}
			dedup = append(dedup, s)
		}
		if len(dedup) < quorum {
			return AnchoringTx{}, fmt.Errorf("input %d: have %d signatures, quorum is %d",
				input, len(dedup), quorum)
		}

		b := txscript.NewScriptBuilder()
		// CHECKMULTISIG pops one extra stack element.
		b.AddOp(txscript.OP_FALSE)
		for _, s := range dedup[:quorum] {
			b.AddData(s.Signature)
		}
		b.AddData(redeem.Script())
		script, err := b.Script()
		if err != nil {
			return AnchoringTx{}, fmt.Errorf("input %d scriptSig: %w", input, err)
		}
		wtx.TxIn[i].SignatureScript = script
	}

	// Execute each input against the output it spends before accepting the
	// result, so a malformed signature set never reaches the relay.
	for i := range wtx.TxIn {
		fetcher := txscript.NewCannedPrevOutputFetcher(prevPkScript, 0)
		vm, err := txscript.NewEngine(prevPkScript, wtx, i, txscript.StandardVerifyFlags,
			nil, nil, -1, fetcher)
		if err != nil {
			return AnchoringTx{}, fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return AnchoringTx{}, fmt.Errorf("input %d script failed: %w", i, err)
		}
	}

	atx, ok := AsAnchoring(FromMsgTx(wtx))
	if !ok {
		return AnchoringTx{}, fmt.Errorf("finalized transaction lost its payload")
	}
	return atx, nil
}
