package anchoring

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/relay"
	"github.com/exonum/exonum-anchoring/schema"
)

// Context is the surface the host consensus engine exposes to the per-commit
// handler. Broadcasts are fire-and-forget: the messages come back to every
// node in consensus order and are applied through the schema then.
type Context interface {
	Height() uint64
	BlockHash(height uint64) chainhash.Hash
	// ValidatorID returns this node's position in the active validator
	// set, or false for auditor nodes.
	ValidatorID() (uint16, bool)
	BroadcastLect(schema.LectUpdate) error
	BroadcastSignature(schema.SignatureMsg) error
}

// Handler runs the anchoring logic once per committed host block. It is not
// safe for concurrent use; the host engine calls it sequentially.
type Handler struct {
	relay relay.Relay
	node  NodeConfig
	log   slog.Logger
	sink  *ErrorSink

	// proposal is the unsigned transaction currently gathering
	// signatures, if any. It is a cache: losing it only delays the next
	// proposal by one commit.
	proposal   *btc.AnchoringTx
	knownAddrs map[string]struct{}
}

// NewHandler wires the handler to its collaborators.
func NewHandler(r relay.Relay, node NodeConfig, sink *ErrorSink, log slog.Logger) *Handler {
	return &Handler{
		relay:      r,
		node:       node,
		log:        log,
		sink:       sink,
		knownAddrs: make(map[string]struct{}),
	}
}

// Errors exposes the sink for observability.
func (h *Handler) Errors() *ErrorSink { return h.sink }

// multisig bundles everything needed to spend from one anchoring address.
type multisig struct {
	cfg    *schema.Config
	redeem *btc.RedeemScript
	addr   btcutil.Address
	// dest is the output script proposals pay to. It equals the
	// configuration's own script except during a transition, when it is
	// the following address's script.
	dest []byte
	priv *btcec.PrivateKey
}

func (h *Handler) multisigAddress(cfg *schema.Config) (*multisig, error) {
	redeem, err := cfg.RedeemScript()
	if err != nil {
		return nil, err
	}
	addr, err := redeem.Address(cfg.Network)
	if err != nil {
		return nil, err
	}
	dest, err := redeem.PkScript()
	if err != nil {
		return nil, err
	}
	priv, err := h.node.PrivateKey(addr.EncodeAddress())
	if err != nil {
		return nil, err
	}
	return &multisig{cfg: cfg, redeem: redeem, addr: addr, dest: dest, priv: priv}, nil
}

// AfterCommit runs the anchoring logic for one committed block. Non-fatal
// problems are pushed to the error sink; only a broken invariant or a schema
// write failure is returned, and a returned error must abort the node's
// commit processing.
func (h *Handler) AfterCommit(ctx Context, s *schema.MutSchema) error {
	state, err := h.currentState(ctx, &s.Schema)
	if err != nil {
		if errors.Is(err, ErrBroken) {
			return err
		}
		// Transport and similar failures: retried next commit.
		h.log.Warnf("Unable to classify anchoring state at height %d: %v", ctx.Height(), err)
		h.sink.Push(err)
		return nil
	}

	h.log.Debugf("Height %d: anchoring state is %s", ctx.Height(), state.Kind)

	switch state.Kind {
	case StateAnchoring:
		err = h.handleAnchoring(ctx, s, state.Actual)
	case StateTransition:
		err = h.handleTransition(ctx, s, state.Actual, state.Following)
	case StateRecovering:
		err = h.handleRecovering(ctx, s, state.Prev, state.Actual)
	case StateWaiting:
		h.handleWaiting(state)
		return nil
	case StateAuditing:
		err = h.handleAuditing(ctx, s, state.Actual)
	default:
		return fmt.Errorf("unreachable anchoring state %s: %w", state.Kind, ErrBroken)
	}
	if err != nil {
		if errors.Is(err, ErrBroken) {
			return err
		}
		h.log.Warnf("Anchoring degraded at height %d (%s): %v", ctx.Height(), state.Kind, err)
		h.sink.Push(err)
	}
	return nil
}

func (h *Handler) handleAnchoring(ctx Context, s *schema.MutSchema, cfg *schema.Config) error {
	ms, err := h.multisigAddress(cfg)
	if err != nil {
		return err
	}
	if h.lectCheckDue(ctx) {
		if _, err := h.updateOurLect(ctx, s, ms); err != nil {
			return err
		}
	}
	if h.proposal != nil {
		return h.tryFinalizeProposal(ctx, s, ms)
	}

	lect, ok, err := s.CollectLects(cfg)
	if err != nil {
		return err
	}
	if !ok {
		h.log.Warnf("Unable to reach consensus on a lect at height %d", ctx.Height())
		h.sink.Push(&LectNotFoundError{Height: ctx.Height()})
		return nil
	}

	switch btc.TxKind(lect) {
	case btc.KindFunding:
		// The chain has not started yet; anchor the latest anchorable
		// height, spending the funding output.
		funding, _ := btc.AsFunding(lect)
		anchorHeight := cfg.PreviousAnchoringHeight(ctx.Height())
		return h.createProposal(ctx, s, ms, nil, &funding, anchorHeight, nil)

	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(lect)
		payload, err := atx.Payload()
		if err != nil {
			return err
		}
		if cfg.Interval > 0 && ctx.Height() < payload.BlockHeight+cfg.Interval {
			// Nothing due yet.
			return nil
		}
		anchorHeight := cfg.PreviousAnchoringHeight(ctx.Height())
		if anchorHeight <= payload.BlockHeight {
			return nil
		}
		return h.createProposal(ctx, s, ms, &atx, nil, anchorHeight, nil)

	default:
		return fmt.Errorf("quorum lect %s is neither funding nor anchoring: %w", lect.ID(), ErrBroken)
	}
}

func (h *Handler) handleTransition(ctx Context, s *schema.MutSchema, from, to *schema.Config) error {
	ms, err := h.multisigAddress(from)
	if err != nil {
		return err
	}
	// Spend from the current address, pay to the following one.
	toRedeem, err := to.RedeemScript()
	if err != nil {
		return err
	}
	ms.dest, err = toRedeem.PkScript()
	if err != nil {
		return err
	}
	toAddr, err := toRedeem.Address(to.Network)
	if err != nil {
		return err
	}

	if h.lectCheckDue(ctx) {
		if _, err := h.updateOurLect(ctx, s, ms); err != nil {
			return err
		}
	}
	if h.proposal != nil {
		return h.tryFinalizeProposal(ctx, s, ms)
	}

	lect, ok, err := s.CollectLects(from)
	if err != nil {
		return err
	}
	if !ok {
		h.log.Warnf("Unable to reach consensus on a lect for transition at height %d", ctx.Height())
		h.sink.Push(&LectNotFoundError{Height: ctx.Height()})
		return nil
	}

	anchorHeight := from.PreviousAnchoringHeight(ctx.Height())
	switch btc.TxKind(lect) {
	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(lect)
		if bytes.Equal(atx.ChainScript(), ms.dest) {
			// Funds already moved; state flips to waiting once the
			// transition lect propagates.
			return nil
		}
		confirmations, known, err := h.confirmations(lect)
		if err != nil {
			return err
		}
		if !known || confirmations < from.Confirmations {
			h.log.Warnf("Insufficient confirmations to build transition to %s: txid=%s, confirmations=%d",
				toAddr.EncodeAddress(), lect.ID(), confirmations)
			return nil
		}
		return h.createProposal(ctx, s, ms, &atx, nil, anchorHeight, nil)

	case btc.KindFunding:
		// The chain never started under the old address; move the
		// funding output directly to the new one.
		funding, _ := btc.AsFunding(lect)
		if _, found := funding.FindOut(ms.addr); !found {
			return &IncorrectLectError{
				Reason: "funding transaction pays to a foreign address",
				Tx:     lect,
			}
		}
		return h.createProposal(ctx, s, ms, nil, &funding, anchorHeight, nil)

	default:
		return fmt.Errorf("quorum lect %s is neither funding nor anchoring: %w", lect.ID(), ErrBroken)
	}
}

func (h *Handler) handleRecovering(ctx Context, s *schema.MutSchema, prev, actual *schema.Config) error {
	ms, err := h.multisigAddress(actual)
	if err != nil {
		return err
	}
	h.log.Infof("Trying to recover the anchoring chain at addr=%s", ms.addr.EncodeAddress())

	if h.lectCheckDue(ctx) {
		lect, err := h.updateOurLect(ctx, s, ms)
		if err != nil {
			return err
		}
		if lect == nil {
			if err := h.recoverChain(ctx, s, ms, prev); err != nil {
				return err
			}
		}
	}
	if h.proposal != nil {
		return h.tryFinalizeProposal(ctx, s, ms)
	}
	return nil
}

// recoverChain either resends a transition transaction that never reached the
// network or starts a fresh chain from the funding transaction, recording the
// broken chain's tip in the payload.
func (h *Handler) recoverChain(ctx Context, s *schema.MutSchema, ms *multisig, prev *schema.Config) error {
	validatorID, _ := ctx.ValidatorID()
	key := ms.cfg.ValidatorKeys[validatorID]

	prevLect, hasPrev, err := s.PrevLect(key)
	if err != nil {
		return err
	}
	if hasPrev {
		if atx, ok := btc.AsAnchoring(prevLect.Tx); ok && bytes.Equal(atx.ChainScript(), ms.dest) {
			h.log.Infof("Resending transition transaction, txid=%s", atx.ID())
			_, err := h.relay.SendTransaction(prevLect.Tx)
			return err
		}
	}

	// Start over from the funding transaction, pointing at the broken
	// chain's tip so continuity stays auditable.
	var prevChain *chainhash.Hash
	if lect, ok, err := s.Lect(key); err != nil {
		return err
	} else if ok {
		id := lect.Tx.ID()
		prevChain = &id
	}
	funding, err := h.availableFundingTx(ms)
	if err != nil {
		return err
	}
	if funding == nil {
		return &IncorrectLectError{
			Reason: "no available funding transaction to recover from",
			Tx:     ms.cfg.FundingTx.Tx,
		}
	}
	anchorHeight := ms.cfg.PreviousAnchoringHeight(ctx.Height())
	return h.createProposal(ctx, s, ms, nil, funding, anchorHeight, prevChain)
}

func (h *Handler) handleWaiting(state State) {
	h.log.Debugf("Waiting for lect %s to confirm: %d of %d confirmations",
		state.Lect.ID(), state.Confirmations, state.Actual.Confirmations)
}

// handleAuditing checks the quorum lect's integrity without signing anything.
func (h *Handler) handleAuditing(ctx Context, s *schema.MutSchema, cfg *schema.Config) error {
	lect, ok, err := s.CollectLects(cfg)
	if err != nil {
		return err
	}
	if !ok {
		return &LectNotFoundError{Height: ctx.Height()}
	}
	switch btc.TxKind(lect) {
	case btc.KindFunding:
		if !lect.Equal(cfg.FundingTx.Tx) {
			genesis, err := s.GenesisConfig()
			if err != nil {
				return err
			}
			if !lect.Equal(genesis.FundingTx.Tx) {
				return &IncorrectLectError{
					Reason: "funding transaction differs from the configured one",
					Tx:     lect,
				}
			}
		}
		_, known, err := h.relay.TransactionInfo(lect.ID())
		if err != nil {
			return err
		}
		if !known {
			return &IncorrectLectError{
				Reason: "initial funding transaction not found on the bitcoin network",
				Tx:     lect,
			}
		}
	case btc.KindAnchoring:
		_, known, err := h.relay.TransactionInfo(lect.ID())
		if err != nil {
			return err
		}
		if !known {
			return &IncorrectLectError{
				Reason: "lect not found on the bitcoin network",
				Tx:     lect,
			}
		}
	default:
		return fmt.Errorf("quorum lect %s is neither funding nor anchoring: %w", lect.ID(), ErrBroken)
	}
	return nil
}

// createProposal builds the next unsigned anchoring transaction, caches it
// and broadcasts this validator's signatures for it.
func (h *Handler) createProposal(ctx Context, s *schema.MutSchema, ms *multisig,
	prev *btc.AnchoringTx, funding *btc.FundingTx, anchorHeight uint64, prevChain *chainhash.Hash) error {

	builder := btc.NewBuilder(prev)
	if funding != nil {
		vout, found := funding.FindOut(ms.addr)
		if !found {
			return &IncorrectLectError{
				Reason: "funding transaction pays to a foreign address",
				Tx:     funding.Tx,
			}
		}
		builder.AddFunds(funding, vout)
	} else if extra, err := h.availableFundingTx(ms); err != nil {
		return err
	} else if extra != nil {
		if vout, found := extra.FindOut(ms.addr); found {
			builder.AddFunds(extra, vout)
		}
	}

	proposal, err := builder.
		Fee(ms.cfg.Fee).
		Payload(anchorHeight, ctx.BlockHash(anchorHeight)).
		PrevTxChain(prevChain).
		SendTo(ms.dest).
		Build()
	if err != nil {
		return err
	}

	h.log.Infof("Proposal ====== txid=%s, anchored_height=%d", proposal.ID(), anchorHeight)
	h.proposal = &proposal
	return h.signProposal(ctx, s, ms, proposal)
}

// signProposal signs every input this validator has not yet signed and
// broadcasts the signatures.
func (h *Handler) signProposal(ctx Context, s *schema.MutSchema, ms *multisig, proposal btc.AnchoringTx) error {
	validatorID, _ := ctx.ValidatorID()
	ntxid := proposal.NormalizedID()
	for input := 0; input < proposal.NumInputs(); input++ {
		id := schema.SignatureID{
			NormalizedTxID: ntxid,
			ValidatorID:    validatorID,
			Input:          uint32(input),
		}
		if s.HasSignature(id) {
			continue
		}
		sig, err := btc.SignTxInput(proposal.Tx, input, ms.redeem, ms.priv)
		if err != nil {
			return err
		}
		err = ctx.BroadcastSignature(schema.SignatureMsg{
			ValidatorID: validatorID,
			Tx:          proposal.Tx,
			Input:       uint32(input),
			Signature:   sig,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// tryFinalizeProposal checks whether the cached proposal has a signature
// quorum on every input and, if so, finalizes it, pushes it to the network
// and announces the new lect.
func (h *Handler) tryFinalizeProposal(ctx Context, s *schema.MutSchema, ms *multisig) error {
	proposal := *h.proposal
	sigs, err := s.Signatures(proposal.NormalizedID())
	if err != nil {
		return err
	}
	quorum := ms.cfg.MajorityCount()
	perInput := make(map[uint32]map[uint16]struct{})
	for _, sig := range sigs {
		set := perInput[sig.Input]
		if set == nil {
			set = make(map[uint16]struct{})
			perInput[sig.Input] = set
		}
		set[sig.ValidatorID] = struct{}{}
	}
	for input := 0; input < proposal.NumInputs(); input++ {
		if len(perInput[uint32(input)]) < quorum {
			return nil
		}
	}

	finalized, err := proposal.Finalize(ms.redeem, sigs)
	if err != nil {
		return err
	}
	if _, err := h.relay.SendTransaction(finalized.Tx); err != nil {
		return err
	}
	h.proposal = nil
	return h.sendUpdatedLect(ctx, s, ms, finalized.Tx)
}

// updateOurLect re-derives this validator's lect from the network's unspent
// outputs and announces it when it changed.
func (h *Handler) updateOurLect(ctx Context, s *schema.MutSchema, ms *multisig) (*btc.Tx, error) {
	validatorID, _ := ctx.ValidatorID()
	key := ms.cfg.ValidatorKeys[validatorID]
	lect, err := h.findLect(s, ms, key)
	if err != nil || lect == nil {
		return nil, err
	}
	our, hasOur, err := s.Lect(key)
	if err != nil {
		return nil, err
	}
	if !hasOur || !our.Tx.Equal(*lect) {
		if err := h.sendUpdatedLect(ctx, s, ms, *lect); err != nil {
			return nil, err
		}
	}
	return lect, nil
}

func (h *Handler) sendUpdatedLect(ctx Context, s *schema.MutSchema, ms *multisig, lect btc.Tx) error {
	// Any cached proposal predates the new lect.
	h.proposal = nil

	validatorID, _ := ctx.ValidatorID()
	key := ms.cfg.ValidatorKeys[validatorID]
	count := s.Lects(key).Len()
	h.log.Infof("LECT ====== txid=%s, total_count=%d", lect.ID(), count)
	return ctx.BroadcastLect(schema.LectUpdate{
		ValidatorID: validatorID,
		Tx:          lect,
		LectCount:   count,
	})
}

// findLect searches the unspent outputs at the anchoring address for the one
// transaction that provably extends this chain.
func (h *Handler) findLect(s *schema.MutSchema, ms *multisig, key *btcec.PublicKey) (*btc.Tx, error) {
	unspent, err := h.relay.UnspentOutputs(ms.addr)
	if err != nil {
		return nil, err
	}
	for _, u := range unspent {
		isLect, err := h.transactionIsLect(s, key, u.Tx)
		if err != nil {
			return nil, err
		}
		if isLect {
			tx := u.Tx
			return &tx, nil
		}
	}
	return nil, nil
}

// transactionIsLect decides whether tx can serve as this validator's lect: it
// already is one, it is the configured genesis funding transaction, or its
// predecessor was accepted as lect by a quorum of the configuration active at
// the predecessor's anchored height.
func (h *Handler) transactionIsLect(s *schema.MutSchema, key *btcec.PublicKey, tx btc.Tx) (bool, error) {
	if _, ok := s.FindLectPosition(key, tx.ID()); ok {
		return true, nil
	}

	switch btc.TxKind(tx) {
	case btc.KindFunding:
		genesis, err := s.GenesisConfig()
		if err != nil {
			return false, err
		}
		return tx.Equal(genesis.FundingTx.Tx), nil

	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(tx)
		prevID := atx.PrevTxID()
		if _, ok := s.FindLectPosition(key, prevID); ok {
			return true, nil
		}
		info, known, err := h.relay.TransactionInfo(prevID)
		if err != nil || !known {
			return false, err
		}
		var lectHeight uint64
		switch btc.TxKind(info.Tx) {
		case btc.KindFunding:
			lectHeight = 0
		case btc.KindAnchoring:
			prevAtx, _ := btc.AsAnchoring(info.Tx)
			payload, err := prevAtx.Payload()
			if err != nil {
				return false, err
			}
			lectHeight = payload.BlockHeight
		default:
			return false, nil
		}
		cfg, err := s.ConfigByHeight(lectHeight)
		if err != nil {
			return false, err
		}
		count := 0
		for _, k := range cfg.ValidatorKeys {
			if _, ok := s.FindLectPosition(k, prevID); ok {
				count++
			}
		}
		return count >= cfg.MajorityCount(), nil

	default:
		return false, nil
	}
}

// availableFundingTx returns the configured funding transaction while it is
// still unspent at the anchoring address.
func (h *Handler) availableFundingTx(ms *multisig) (*btc.FundingTx, error) {
	funding := ms.cfg.FundingTx
	if _, found := funding.FindOut(ms.addr); !found {
		return nil, nil
	}
	unspent, err := h.relay.UnspentOutputs(ms.addr)
	if err != nil {
		return nil, err
	}
	for _, u := range unspent {
		if u.Tx.Equal(funding.Tx) {
			return &funding, nil
		}
	}
	return nil, nil
}

func (h *Handler) lectCheckDue(ctx Context) bool {
	interval := h.node.LectCheckInterval
	return interval > 0 && ctx.Height()%interval == 0
}

func (h *Handler) confirmations(tx btc.Tx) (int64, bool, error) {
	return relay.TransactionConfirmations(h.relay, tx.ID())
}

func (h *Handler) importAddress(addr btcutil.Address) error {
	enc := addr.EncodeAddress()
	if _, ok := h.knownAddrs[enc]; ok {
		return nil
	}
	if err := h.relay.WatchAddress(addr, false); err != nil {
		return err
	}
	h.log.Tracef("Watching anchoring address %s", enc)
	h.knownAddrs[enc] = struct{}{}
	return nil
}
