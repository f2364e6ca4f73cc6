package btc

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Kind classifies a raw Bitcoin transaction by inspecting its outputs.
type Kind int

const (
	// KindOther is any transaction that neither funds an anchoring address
	// nor carries an anchoring payload. It is never a valid lect.
	KindOther Kind = iota
	// KindFunding pays into a script-hash (anchoring) address and carries
	// no payload output.
	KindFunding
	// KindAnchoring carries the anchoring payload output.
	KindAnchoring
)

func (k Kind) String() string {
	switch k {
	case KindFunding:
		return "funding"
	case KindAnchoring:
		return "anchoring"
	default:
		return "other"
	}
}

// Tx is an immutable raw Bitcoin transaction. The zero value is invalid;
// construct via FromMsgTx, FromBytes or FromHex. Accessors never expose the
// internal wire structure for mutation.
type Tx struct {
	wtx *wire.MsgTx
}

// FromMsgTx copies msg into an immutable Tx.
func FromMsgTx(msg *wire.MsgTx) Tx {
	return Tx{wtx: msg.Copy()}
}

// FromBytes deserializes a raw transaction.
func FromBytes(raw []byte) (Tx, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return Tx{}, fmt.Errorf("deserialize transaction: %w", err)
	}
	return Tx{wtx: &msg}, nil
}

// FromHex deserializes a raw transaction from its hex encoding.
func FromHex(s string) (Tx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Tx{}, fmt.Errorf("decode transaction hex: %w", err)
	}
	return FromBytes(raw)
}

// IsZero reports whether t is the invalid zero value.
func (t Tx) IsZero() bool { return t.wtx == nil }

// ID returns the transaction id.
func (t Tx) ID() chainhash.Hash { return t.wtx.TxHash() }

// NormalizedID returns the txid computed with every input script cleared.
// Differently-signed copies of the same proposal share a normalized id, which
// keys signature collection.
func (t Tx) NormalizedID() chainhash.Hash {
	stripped := t.wtx.Copy()
	for _, in := range stripped.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	return stripped.TxHash()
}

// MsgTx returns a deep copy of the underlying wire transaction.
func (t Tx) MsgTx() *wire.MsgTx { return t.wtx.Copy() }

// Bytes returns the serialized transaction.
func (t Tx) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(t.wtx.SerializeSize())
	// Serialize to a bytes.Buffer cannot fail.
	_ = t.wtx.Serialize(&buf)
	return buf.Bytes()
}

// Hex returns the hex encoding of the serialized transaction.
func (t Tx) Hex() string { return hex.EncodeToString(t.Bytes()) }

// Equal reports whether two transactions serialize identically.
func (t Tx) Equal(o Tx) bool {
	if t.wtx == nil || o.wtx == nil {
		return t.wtx == o.wtx
	}
	return bytes.Equal(t.Bytes(), o.Bytes())
}

// NumInputs returns the input count.
func (t Tx) NumInputs() int { return len(t.wtx.TxIn) }

// NumOutputs returns the output count.
func (t Tx) NumOutputs() int { return len(t.wtx.TxOut) }

// PrevOut returns the outpoint spent by the given input.
func (t Tx) PrevOut(input int) wire.OutPoint {
	return t.wtx.TxIn[input].PreviousOutPoint
}

// OutputValue returns the value of the given output.
func (t Tx) OutputValue(out uint32) int64 { return t.wtx.TxOut[out].Value }

// OutputScript returns a copy of the given output's pkScript.
func (t Tx) OutputScript(out uint32) []byte {
	return append([]byte(nil), t.wtx.TxOut[out].PkScript...)
}

// TxKind classifies tx by its outputs. A payload output wins over a
// script-hash output, so anchoring transactions that pay back into the
// multisig address classify as anchoring.
func TxKind(t Tx) Kind {
	for _, out := range t.wtx.TxOut {
		if _, err := ParsePayloadScript(out.PkScript); err == nil {
			return KindAnchoring
		}
	}
	for _, out := range t.wtx.TxOut {
		if txscript.IsPayToScriptHash(out.PkScript) {
			return KindFunding
		}
	}
	return KindOther
}

// AnchoringTx is a transaction carrying an anchoring payload output.
// Output 0 pays the chain forward, output 1 is the payload.
type AnchoringTx struct {
	Tx
}

// AsAnchoring converts t when it classifies as an anchoring transaction.
func AsAnchoring(t Tx) (AnchoringTx, bool) {
	if TxKind(t) != KindAnchoring {
		return AnchoringTx{}, false
	}
	return AnchoringTx{Tx: t}, true
}

// Payload decodes the anchoring payload. Calling this on a transaction that
// did not classify as anchoring returns an error.
func (t AnchoringTx) Payload() (Payload, error) {
	for _, out := range t.wtx.TxOut {
		if p, err := ParsePayloadScript(out.PkScript); err == nil {
			return p, nil
		}
	}
	return Payload{}, fmt.Errorf("transaction %s has no payload output", t.ID())
}

// PrevTxID returns the id of the transaction spent by input 0, i.e. the
// predecessor in the anchoring chain.
func (t AnchoringTx) PrevTxID() chainhash.Hash {
	return t.wtx.TxIn[0].PreviousOutPoint.Hash
}

// Amount returns the value carried forward by the chain output.
func (t AnchoringTx) Amount() int64 { return t.wtx.TxOut[0].Value }

// ChainScript returns the pkScript of the chain output, identifying the
// anchoring address the funds currently sit on.
func (t AnchoringTx) ChainScript() []byte { return t.OutputScript(0) }

// OutputAddress decodes the chain output's address for the given network.
func (t AnchoringTx) OutputAddress(params *chaincfg.Params) (btcutil.Address, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(t.wtx.TxOut[0].PkScript, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("chain output of %s is not a single-address script", t.ID())
	}
	return addrs[0], nil
}

// FundingTx is a transaction paying into an anchoring address without a
// payload output. It roots the chain or contributes extra inputs.
type FundingTx struct {
	Tx
}

// AsFunding converts t when it classifies as a funding transaction.
func AsFunding(t Tx) (FundingTx, bool) {
	if TxKind(t) != KindFunding {
		return FundingTx{}, false
	}
	return FundingTx{Tx: t}, true
}

// FindOut returns the index of the output paying to addr, if any.
func (t FundingTx) FindOut(addr btcutil.Address) (uint32, bool) {
	want, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, false
	}
	for i, out := range t.wtx.TxOut {
		if bytes.Equal(out.PkScript, want) {
			return uint32(i), true
		}
	}
	return 0, false
}
