package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/exonum/exonum-anchoring/btc"
)

// SignatureID uniquely identifies one validator's contribution to one input
// of one proposal. The byte layout is part of the persisted schema contract:
// 32-byte normalized txid, 2-byte big-endian validator id, 4-byte big-endian
// input index.
type SignatureID struct {
	NormalizedTxID chainhash.Hash
	ValidatorID    uint16
	Input          uint32
}

const signatureIDLen = chainhash.HashSize + 2 + 4

// Bytes returns the fixed-width key encoding.
func (id SignatureID) Bytes() []byte {
	out := make([]byte, signatureIDLen)
	copy(out, id.NormalizedTxID[:])
	binary.BigEndian.PutUint16(out[chainhash.HashSize:], id.ValidatorID)
	binary.BigEndian.PutUint32(out[chainhash.HashSize+2:], id.Input)
	return out
}

// ParseSignatureID decodes a fixed-width signature key.
func ParseSignatureID(raw []byte) (SignatureID, error) {
	if len(raw) != signatureIDLen {
		return SignatureID{}, fmt.Errorf("signature id must be %d bytes, got %d", signatureIDLen, len(raw))
	}
	var id SignatureID
	copy(id.NormalizedTxID[:], raw[:chainhash.HashSize])
	id.ValidatorID = binary.BigEndian.Uint16(raw[chainhash.HashSize:])
	id.Input = binary.BigEndian.Uint32(raw[chainhash.HashSize+2:])
	return id, nil
}

// LectUpdate is the consensus message a validator broadcasts when its lect
// changes. LectCount is the length of the sender's lect sequence at send
// time; the update is only accepted when it still matches, which makes
// delivery idempotent under replays.
type LectUpdate struct {
	ValidatorID uint16
	Tx          btc.Tx
	LectCount   uint64
}

// Hash identifies the message and becomes the lect's originating hash.
func (m LectUpdate) Hash() chainhash.Hash {
	h := sha256.New()
	h.Write([]byte("lect-update"))
	var buf [10]byte
	binary.BigEndian.PutUint16(buf[:2], m.ValidatorID)
	binary.BigEndian.PutUint64(buf[2:], m.LectCount)
	h.Write(buf[:])
	h.Write(m.Tx.Bytes())
	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SignatureMsg is the consensus message carrying one validator's signature
// over one input of an anchoring proposal.
type SignatureMsg struct {
	ValidatorID uint16
	Tx          btc.Tx
	Input       uint32
	Signature   []byte
}

// ID returns the schema key for this contribution.
func (m SignatureMsg) ID() SignatureID {
	return SignatureID{
		NormalizedTxID: m.Tx.NormalizedID(),
		ValidatorID:    m.ValidatorID,
		Input:          m.Input,
	}
}

// LectContent is one element of a validator's lect sequence: the transaction
// plus the hash of the message that introduced it.
type LectContent struct {
	MsgHash chainhash.Hash
	Tx      btc.Tx
}

// Bytes encodes the stored form: 32-byte message hash followed by the raw
// transaction.
func (lc LectContent) Bytes() []byte {
	txBytes := lc.Tx.Bytes()
	out := make([]byte, 0, chainhash.HashSize+len(txBytes))
	out = append(out, lc.MsgHash[:]...)
	return append(out, txBytes...)
}

// ParseLectContent decodes a stored lect element.
func ParseLectContent(raw []byte) (LectContent, error) {
	if len(raw) <= chainhash.HashSize {
		return LectContent{}, fmt.Errorf("lect content too short: %d bytes", len(raw))
	}
	var lc LectContent
	copy(lc.MsgHash[:], raw[:chainhash.HashSize])
	tx, err := btc.FromBytes(raw[chainhash.HashSize:])
	if err != nil {
		return LectContent{}, fmt.Errorf("lect content transaction: %w", err)
	}
	lc.Tx = tx
	return lc, nil
}
