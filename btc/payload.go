package btc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// Payload is the block metadata embedded in an anchoring transaction's data
// output: the anchored host-chain height and block hash, plus an optional
// pointer to the tip of a previous, abandoned chain when recovery had to
// restart anchoring from a new address.
type Payload struct {
	BlockHeight uint64
	BlockHash   chainhash.Hash
	PrevTxChain *chainhash.Hash
}

const (
	// payloadTag marks anchoring data outputs so unrelated OP_RETURN
	// carriers never classify as anchoring transactions.
	payloadTag = "EXONUM"

	payloadVersion     = 1
	payloadKindRegular = 0
	payloadKindRecover = 1
	payloadRegularLen  = len(payloadTag) + 2 + 8 + chainhash.HashSize
	payloadRecoverLen  = payloadRegularLen + chainhash.HashSize
)

var errNotPayload = errors.New("not an anchoring payload script")

// Script encodes the payload into a zero-value OP_RETURN output script.
func (p Payload) Script() ([]byte, error) {
	kind := byte(payloadKindRegular)
	size := payloadRegularLen
	if p.PrevTxChain != nil {
		kind = payloadKindRecover
		size = payloadRecoverLen
	}
	data := make([]byte, 0, size)
	data = append(data, payloadTag...)
	data = append(data, payloadVersion, kind)
	data = binary.LittleEndian.AppendUint64(data, p.BlockHeight)
	data = append(data, p.BlockHash[:]...)
	if p.PrevTxChain != nil {
		data = append(data, p.PrevTxChain[:]...)
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(data).
		Script()
}

// ParsePayloadScript decodes a payload from an output script. It returns an
// error for any script that is not a well-formed anchoring data output.
func ParsePayloadScript(script []byte) (Payload, error) {
	if len(script) == 0 || script[0] != txscript.OP_RETURN {
		return Payload{}, errNotPayload
	}
	tokenizer := txscript.MakeScriptTokenizer(0, script[1:])
	if !tokenizer.Next() {
		return Payload{}, errNotPayload
	}
	data := tokenizer.Data()
	if tokenizer.Next() || tokenizer.Err() != nil {
		// Trailing opcodes after the data push.
		return Payload{}, errNotPayload
	}
	if !bytes.HasPrefix(data, []byte(payloadTag)) {
		return Payload{}, errNotPayload
	}
	body := data[len(payloadTag):]
	if len(body) < 2 || body[0] != payloadVersion {
		return Payload{}, fmt.Errorf("unsupported payload header: %w", errNotPayload)
	}
	kind := body[1]
	body = body[2:]

	var p Payload
	switch kind {
	case payloadKindRegular:
		if len(body) != 8+chainhash.HashSize {
			return Payload{}, errNotPayload
		}
	case payloadKindRecover:
		if len(body) != 8+2*chainhash.HashSize {
			return Payload{}, errNotPayload
		}
	default:
		return Payload{}, fmt.Errorf("unknown payload kind %d: %w", kind, errNotPayload)
	}
	p.BlockHeight = binary.LittleEndian.Uint64(body[:8])
	copy(p.BlockHash[:], body[8:8+chainhash.HashSize])
	if kind == payloadKindRecover {
		var prev chainhash.Hash
		copy(prev[:], body[8+chainhash.HashSize:])
		p.PrevTxChain = &prev
	}
	return p, nil
}
