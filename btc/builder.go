package btc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrInsufficientFunds is returned by Builder.Build when the gathered input
// value cannot cover the fee.
var ErrInsufficientFunds = errors.New("insufficient funds to cover fee")

// Builder assembles unsigned anchoring transactions deterministically: the
// same inputs in the same order always serialize to the same bytes, so every
// validator proposes an identical transaction to sign.
type Builder struct {
	prevTx  *AnchoringTx
	funding []fundingInput
	fee     int64
	payload Payload
	outAddr []byte
	err     error
}

type fundingInput struct {
	txid  chainhash.Hash
	vout  uint32
	value int64
}

// NewBuilder starts a transaction proposal. For the first transaction in a
// chain pass nil prevTx and seed the value with AddFunds.
func NewBuilder(prevTx *AnchoringTx) *Builder {
	return &Builder{prevTx: prevTx}
}

// AddFunds appends a funding UTXO as an additional input. Inputs are spent in
// the order added, after the previous anchoring output.
func (b *Builder) AddFunds(tx *FundingTx, vout uint32) *Builder {
	if b.err != nil {
		return b
	}
	if int(vout) >= tx.NumOutputs() {
		b.err = fmt.Errorf("funding transaction %s has no output %d", tx.ID(), vout)
		return b
	}
	b.funding = append(b.funding, fundingInput{
		txid:  tx.ID(),
		vout:  vout,
		value: tx.OutputValue(vout),
	})
	return b
}

// Fee sets the total fee in satoshi deducted from the combined input value.
func (b *Builder) Fee(fee int64) *Builder {
	b.fee = fee
	return b
}

// Payload sets the data committed by the transaction's OP_RETURN output.
func (b *Builder) Payload(height uint64, blockHash chainhash.Hash) *Builder {
	b.payload.BlockHeight = height
	b.payload.BlockHash = blockHash
	return b
}

// PrevTxChain marks the payload as a recovery commitment pointing at the tail
// of a broken chain.
func (b *Builder) PrevTxChain(txid *chainhash.Hash) *Builder {
	b.payload.PrevTxChain = txid
	return b
}

// SendTo sets the P2SH output script the change is paid to, normally the
// current (or following, during transition) anchoring address.
func (b *Builder) SendTo(pkScript []byte) *Builder {
	b.outAddr = pkScript
	return b
}

// Build assembles the unsigned transaction. Output 0 carries the full input
// value minus the fee to the anchoring address; output 1 is the zero-value
// data output. Fails with ErrInsufficientFunds when value < fee.
func (b *Builder) Build() (AnchoringTx, error) {
	if b.err != nil {
		return AnchoringTx{}, b.err
	}
	if len(b.outAddr) == 0 {
		return AnchoringTx{}, errors.New("output address not set")
	}
	if b.prevTx == nil && len(b.funding) == 0 {
		return AnchoringTx{}, errors.New("transaction needs at least one input")
	}

	wtx := wire.NewMsgTx(1)
	var total int64
	if b.prevTx != nil {
		total += b.prevTx.Amount()
		prevID := b.prevTx.ID()
		wtx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevID, 0), nil, nil))
	}
	for _, in := range b.funding {
		total += in.value
		txid := in.txid
		wtx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&txid, in.vout), nil, nil))
	}
	if total < b.fee {
		return AnchoringTx{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, b.fee)
	}

	payloadScript, err := b.payload.Script()
	if err != nil {
		return AnchoringTx{}, fmt.Errorf("payload script: %w", err)
	}
	wtx.AddTxOut(wire.NewTxOut(total-b.fee, b.outAddr))
	wtx.AddTxOut(wire.NewTxOut(0, payloadScript))

	atx, ok := AsAnchoring(FromMsgTx(wtx))
	if !ok {
		return AnchoringTx{}, errors.New("built transaction did not classify as anchoring")
	}
	return atx, nil
}
