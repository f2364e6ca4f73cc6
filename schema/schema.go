package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/storage"
)

// Table names. The prefix scopes the anchoring service inside a shared
// database; renaming any table changes the persisted layout.
const (
	tableLects           = "btc_anchoring.lects"
	tableLectIndexes     = "btc_anchoring.lect_indexes"
	tableKnownTxs        = "btc_anchoring.known_txs"
	tableSignatures      = "btc_anchoring.signatures"
	tableKnownSignatures = "btc_anchoring.known_signatures"
	tableTxChain         = "btc_anchoring.tx_chain"
	tableAnchoredBlocks  = "btc_anchoring.anchored_blocks"
	tableConfigs         = "btc_anchoring.configs"
)

// Schema reads anchoring state from a storage view.
type Schema struct {
	view *storage.View
}

// New opens the schema over a read-only view.
func New(v *storage.View) *Schema {
	return &Schema{view: v}
}

// MutSchema extends Schema with the write operations. Obtain one per commit
// from a storage fork so all writes land atomically.
type MutSchema struct {
	Schema
	fork *storage.Fork
}

// NewMut opens the schema over a writable fork.
func NewMut(f *storage.Fork) *MutSchema {
	return &MutSchema{Schema: Schema{view: &f.View}, fork: f}
}

func validatorFamily(key *btcec.PublicKey) []byte {
	return key.SerializeCompressed()
}

// Lects returns validator key's append-only lect sequence.
func (s *Schema) Lects(key *btcec.PublicKey) *storage.List {
	return storage.NewList(s.view, tableLects, validatorFamily(key))
}

// Lect returns the validator's current lect, the last element of its
// sequence.
func (s *Schema) Lect(key *btcec.PublicKey) (LectContent, bool, error) {
	raw, _, ok := s.Lects(key).Last()
	if !ok {
		return LectContent{}, false, nil
	}
	lc, err := ParseLectContent(raw)
	if err != nil {
		return LectContent{}, false, err
	}
	return lc, true, nil
}

// PrevLect returns the second-to-last element of the validator's sequence.
func (s *Schema) PrevLect(key *btcec.PublicKey) (LectContent, bool, error) {
	list := s.Lects(key)
	n := list.Len()
	if n < 2 {
		return LectContent{}, false, nil
	}
	raw := list.Get(n - 2)
	lc, err := ParseLectContent(raw)
	if err != nil {
		return LectContent{}, false, err
	}
	return lc, true, nil
}

// FindLectPosition returns the index of txid within the validator's lect
// sequence, if the transaction ever was that validator's lect.
func (s *Schema) FindLectPosition(key *btcec.PublicKey, txid chainhash.Hash) (uint64, bool) {
	raw := storage.NewMap(s.view, tableLectIndexes).Get(lectIndexKey(key, txid))
	if raw == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func lectIndexKey(key *btcec.PublicKey, txid chainhash.Hash) []byte {
	out := make([]byte, 0, 33+chainhash.HashSize)
	out = append(out, validatorFamily(key)...)
	return append(out, txid[:]...)
}

// KnownTx returns a transaction previously registered as some validator's
// lect.
func (s *Schema) KnownTx(txid chainhash.Hash) (btc.Tx, bool, error) {
	raw := storage.NewMap(s.view, tableKnownTxs).Get(txid[:])
	if raw == nil {
		return btc.Tx{}, false, nil
	}
	tx, err := btc.FromBytes(raw)
	if err != nil {
		return btc.Tx{}, false, fmt.Errorf("known tx %s: %w", txid, err)
	}
	return tx, true, nil
}

// Signatures returns the collected signatures for a proposal, keyed by its
// normalized txid.
func (s *Schema) Signatures(ntxid chainhash.Hash) ([]btc.InputSignature, error) {
	var sigs []btc.InputSignature
	list := storage.NewList(s.view, tableSignatures, ntxid[:])
	err := list.ForEach(func(_ uint64, raw []byte) error {
		sig, err := parseSignatureRecord(raw)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
		return nil
	})
	return sigs, err
}

// HasSignature reports whether the contribution identified by id was already
// accepted.
func (s *Schema) HasSignature(id SignatureID) bool {
	return storage.NewMap(s.view, tableKnownSignatures).Has(id.Bytes())
}

// AnchoringTxAt returns the transaction anchoring exactly height h.
func (s *Schema) AnchoringTxAt(h uint64) (btc.AnchoringTx, bool, error) {
	raw := storage.NewMap(s.view, tableTxChain).Get(heightKey(h))
	if raw == nil {
		return btc.AnchoringTx{}, false, nil
	}
	return parseChainTx(raw)
}

// NearestAnchoringTx returns the anchoring transaction covering height h: the
// chain entry with the lowest anchored height at or above h.
func (s *Schema) NearestAnchoringTx(h uint64) (btc.AnchoringTx, bool, error) {
	_, raw, ok := storage.NewMap(s.view, tableTxChain).Ceiling(heightKey(h))
	if !ok {
		return btc.AnchoringTx{}, false, nil
	}
	return parseChainTx(raw)
}

// LatestAnchoringTx returns the tip of the recorded anchoring chain.
func (s *Schema) LatestAnchoringTx() (btc.AnchoringTx, bool, error) {
	_, raw, ok := storage.NewMap(s.view, tableTxChain).Floor(heightKey(^uint64(0)))
	if !ok {
		return btc.AnchoringTx{}, false, nil
	}
	return parseChainTx(raw)
}

// AnchoringChain walks the recorded chain in ascending anchored height.
func (s *Schema) AnchoringChain(fn func(height uint64, tx btc.AnchoringTx) error) error {
	return storage.NewMap(s.view, tableTxChain).ForEach(func(k, v []byte) error {
		tx, _, err := parseChainTx(v)
		if err != nil {
			return err
		}
		return fn(binary.BigEndian.Uint64(k), tx)
	})
}

func parseChainTx(raw []byte) (btc.AnchoringTx, bool, error) {
	tx, err := btc.FromBytes(raw)
	if err != nil {
		return btc.AnchoringTx{}, false, fmt.Errorf("chain tx: %w", err)
	}
	atx, ok := btc.AsAnchoring(tx)
	if !ok {
		return btc.AnchoringTx{}, false, fmt.Errorf("chain tx %s has no payload", tx.ID())
	}
	return atx, true, nil
}

func heightKey(h uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h)
	return k[:]
}

// CollectLects tallies the lect each of cfg's validators currently reports
// and returns the transaction whose content is reported by at least a quorum
// of them. Candidates are compared by content, and among equally-supported
// candidates the lowest txid wins, keeping the result identical across nodes.
func (s *Schema) CollectLects(cfg *Config) (btc.Tx, bool, error) {
	type tally struct {
		tx    btc.Tx
		votes int
	}
	counts := make(map[string]*tally)
	for _, key := range cfg.ValidatorKeys {
		lect, ok, err := s.Lect(key)
		if err != nil {
			return btc.Tx{}, false, err
		}
		if !ok {
			continue
		}
		content := string(lect.Tx.Bytes())
		if t := counts[content]; t != nil {
			t.votes++
		} else {
			counts[content] = &tally{tx: lect.Tx, votes: 1}
		}
	}
	quorum := cfg.MajorityCount()
	var winners []btc.Tx
	for _, t := range counts {
		if t.votes >= quorum {
			winners = append(winners, t.tx)
		}
	}
	if len(winners) == 0 {
		return btc.Tx{}, false, nil
	}
	sort.Slice(winners, func(i, j int) bool {
		a, b := winners[i].ID(), winners[j].ID()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return winners[0], true, nil
}

// StateHash folds the anchoring tables into the host chain's state
// commitment: the anchored-blocks merkle root followed by each validator's
// lects merkle root in configuration key order.
func (s *Schema) StateHash(cfg *Config) ([][32]byte, error) {
	var blockHashes [][]byte
	blocks := storage.NewList(s.view, tableAnchoredBlocks, nil)
	err := blocks.ForEach(func(_ uint64, v []byte) error {
		blockHashes = append(blockHashes, append([]byte(nil), v...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := [][32]byte{storage.MerkleRoot(blockHashes)}
	for _, key := range cfg.ValidatorKeys {
		root, err := storage.ListRoot(s.Lects(key))
		if err != nil {
			return nil, err
		}
		out = append(out, root)
	}
	return out, nil
}

// Configuration history. Configurations are stored by activation height; the
// genesis configuration activates at height zero.

// AddConfig records cfg as active from activationHeight on.
func (s *MutSchema) AddConfig(cfg *Config, activationHeight uint64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	m, err := storage.NewMutMap(s.fork, tableConfigs)
	if err != nil {
		return err
	}
	return m.Put(heightKey(activationHeight), raw)
}

// ConfigByHeight returns the configuration active at height h.
func (s *Schema) ConfigByHeight(h uint64) (*Config, error) {
	_, raw, ok := storage.NewMap(s.view, tableConfigs).Floor(heightKey(h))
	if !ok {
		return nil, fmt.Errorf("no configuration at height %d", h)
	}
	return decodeConfig(raw)
}

// ActualConfig returns the configuration active at the current height.
func (s *Schema) ActualConfig(currentHeight uint64) (*Config, error) {
	return s.ConfigByHeight(currentHeight)
}

// FollowingConfig returns the next configuration scheduled after the current
// height, if one exists.
func (s *Schema) FollowingConfig(currentHeight uint64) (*Config, uint64, bool, error) {
	k, raw, ok := storage.NewMap(s.view, tableConfigs).Ceiling(heightKey(currentHeight + 1))
	if !ok {
		return nil, 0, false, nil
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, 0, false, err
	}
	return cfg, binary.BigEndian.Uint64(k), true, nil
}

// PreviousConfig returns the configuration that preceded the one active at
// the current height.
func (s *Schema) PreviousConfig(currentHeight uint64) (*Config, bool, error) {
	k, _, ok := storage.NewMap(s.view, tableConfigs).Floor(heightKey(currentHeight))
	if !ok {
		return nil, false, nil
	}
	active := binary.BigEndian.Uint64(k)
	if active == 0 {
		return nil, false, nil
	}
	cfg, err := s.ConfigByHeight(active - 1)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// GenesisConfig returns the configuration recorded at genesis.
func (s *Schema) GenesisConfig() (*Config, error) {
	return s.ConfigByHeight(0)
}

func decodeConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// AddLect appends tx to the validator's lect sequence, registers it in the
// known-transactions table and records its position. Existing entries are
// never touched.
func (s *MutSchema) AddLect(key *btcec.PublicKey, tx btc.Tx, msgHash chainhash.Hash) error {
	list, err := storage.NewMutList(s.fork, tableLects, validatorFamily(key))
	if err != nil {
		return err
	}
	index, err := list.Append(LectContent{MsgHash: msgHash, Tx: tx}.Bytes())
	if err != nil {
		return err
	}

	known, err := storage.NewMutMap(s.fork, tableKnownTxs)
	if err != nil {
		return err
	}
	txid := tx.ID()
	if err := known.Put(txid[:], tx.Bytes()); err != nil {
		return err
	}

	indexes, err := storage.NewMutMap(s.fork, tableLectIndexes)
	if err != nil {
		return err
	}
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return indexes.Put(lectIndexKey(key, txid), idx[:])
}

// AddKnownSignature records one validator's signature contribution. A
// duplicate id is accepted without mutation; the returned flag reports
// whether the signature was new.
func (s *MutSchema) AddKnownSignature(msg SignatureMsg) (bool, error) {
	id := msg.ID()
	if s.HasSignature(id) {
		return false, nil
	}
	known, err := storage.NewMutMap(s.fork, tableKnownSignatures)
	if err != nil {
		return false, err
	}
	if err := known.Put(id.Bytes(), msg.Signature); err != nil {
		return false, err
	}
	ntxid := id.NormalizedTxID
	list, err := storage.NewMutList(s.fork, tableSignatures, ntxid[:])
	if err != nil {
		return false, err
	}
	if _, err := list.Append(signatureRecord(msg)); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessLectUpdate applies a validator's lect-update message. The update is
// dropped when its sequence length no longer matches, which makes replays
// harmless. When the new lect reaches quorum and anchors a height not yet in
// the chain, the chain and the anchored-blocks list are extended.
func (s *MutSchema) ProcessLectUpdate(cfg *Config, msg LectUpdate) error {
	if int(msg.ValidatorID) >= len(cfg.ValidatorKeys) {
		return fmt.Errorf("lect update from unknown validator %d", msg.ValidatorID)
	}
	key := cfg.ValidatorKeys[msg.ValidatorID]
	if got := s.Lects(key).Len(); got != msg.LectCount {
		// Stale or replayed update.
		return nil
	}
	if err := s.AddLect(key, msg.Tx, msg.Hash()); err != nil {
		return err
	}

	lect, ok, err := s.CollectLects(cfg)
	if err != nil || !ok {
		return err
	}
	atx, isAnchoring := btc.AsAnchoring(lect)
	if !isAnchoring {
		return nil
	}
	payload, err := atx.Payload()
	if err != nil {
		return err
	}
	if _, exists, err := s.AnchoringTxAt(payload.BlockHeight); err != nil || exists {
		return err
	}

	chain, err := storage.NewMutMap(s.fork, tableTxChain)
	if err != nil {
		return err
	}
	if err := chain.Put(heightKey(payload.BlockHeight), atx.Bytes()); err != nil {
		return err
	}
	blocks, err := storage.NewMutList(s.fork, tableAnchoredBlocks, nil)
	if err != nil {
		return err
	}
	_, err = blocks.Append(payload.BlockHash[:])
	return err
}

// ProcessSignature verifies and stores a signature message. The signature
// must come from a validator of cfg, target an anchoring-kind transaction and
// verify against that validator's key before it is accepted.
func (s *MutSchema) ProcessSignature(cfg *Config, msg SignatureMsg) error {
	if int(msg.ValidatorID) >= len(cfg.ValidatorKeys) {
		return fmt.Errorf("signature from unknown validator %d", msg.ValidatorID)
	}
	if btc.TxKind(msg.Tx) != btc.KindAnchoring {
		return fmt.Errorf("signature for non-anchoring transaction %s", msg.Tx.ID())
	}
	redeem, err := cfg.RedeemScript()
	if err != nil {
		return err
	}
	key := cfg.ValidatorKeys[msg.ValidatorID]
	if !btc.VerifyTxInput(msg.Tx, int(msg.Input), redeem, key, msg.Signature) {
		return fmt.Errorf("invalid signature from validator %d for input %d of %s",
			msg.ValidatorID, msg.Input, msg.Tx.ID())
	}
	_, err = s.AddKnownSignature(msg)
	return err
}

// CreateGenesis records the genesis configuration and seeds every validator's
// lect sequence with the funding transaction.
func (s *MutSchema) CreateGenesis(cfg *Config) error {
	if err := s.AddConfig(cfg, 0); err != nil {
		return err
	}
	for _, key := range cfg.ValidatorKeys {
		if err := s.AddLect(key, cfg.FundingTx.Tx, chainhash.Hash{}); err != nil {
			return err
		}
	}
	return nil
}

// signatureRecord encodes a stored signature list element: 2-byte big-endian
// validator id, 4-byte big-endian input index, raw signature.
func signatureRecord(msg SignatureMsg) []byte {
	out := make([]byte, 6, 6+len(msg.Signature))
	binary.BigEndian.PutUint16(out, msg.ValidatorID)
	binary.BigEndian.PutUint32(out[2:], msg.Input)
	return append(out, msg.Signature...)
}

func parseSignatureRecord(raw []byte) (btc.InputSignature, error) {
	if len(raw) <= 6 {
		return btc.InputSignature{}, fmt.Errorf("signature record too short: %d bytes", len(raw))
	}
	return btc.InputSignature{
		ValidatorID: binary.BigEndian.Uint16(raw),
		Input:       binary.BigEndian.Uint32(raw[2:]),
		Signature:   append([]byte(nil), raw[6:]...),
	}, nil
}
