package anchoring

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/schema"
)

// StateKind classifies what anchoring action is due at a commit.
type StateKind int

const (
	// StateAuditing is a non-validator node: it only watches addresses
	// and checks the quorum lect.
	StateAuditing StateKind = iota
	// StateAnchoring builds and signs the next anchoring transaction when
	// the due height is reached.
	StateAnchoring
	// StateTransition moves the chain funds to the following
	// configuration's address.
	StateTransition
	// StateWaiting holds off while a funding or transition transaction
	// gathers confirmations.
	StateWaiting
	// StateRecovering restarts the chain when continuity to the current
	// address cannot be established.
	StateRecovering
	// StateBroken is a fatal invariant violation.
	StateBroken
)

func (k StateKind) String() string {
	switch k {
	case StateAuditing:
		return "auditing"
	case StateAnchoring:
		return "anchoring"
	case StateTransition:
		return "transition"
	case StateWaiting:
		return "waiting"
	case StateRecovering:
		return "recovering"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// State is the classification computed fresh at every commit. It is never
// persisted; it is derived entirely from schema contents and configuration.
type State struct {
	Kind StateKind
	// Actual is the currently active configuration.
	Actual *schema.Config
	// Following is set for StateTransition: the configuration being moved
	// to.
	Following *schema.Config
	// Prev is set for StateRecovering: the configuration the chain was
	// last known-good under.
	Prev *schema.Config
	// Lect and Confirmations are set for StateWaiting.
	Lect          btc.Tx
	Confirmations int64
}

// currentState classifies the node. It mirrors the decision tree used at
// every commit: auditors stay passive, a validator without a lect is either
// recovering or freshly added, a differing following address signals a
// transition, and unconfirmed funding or transition lects put the node into
// waiting.
func (h *Handler) currentState(ctx Context, s *schema.Schema) (State, error) {
	actual, err := s.ActualConfig(ctx.Height())
	if err != nil {
		return State{}, err
	}
	actualAddr, err := actual.Address()
	if err != nil {
		return State{}, err
	}
	if err := h.importAddress(actualAddr); err != nil {
		return State{}, err
	}

	validatorID, isValidator := ctx.ValidatorID()
	if !isValidator {
		return State{Kind: StateAuditing, Actual: actual}, nil
	}
	if int(validatorID) >= len(actual.ValidatorKeys) {
		return State{}, fmt.Errorf("validator id %d outside configuration: %w", validatorID, ErrBroken)
	}
	key := actual.ValidatorKeys[validatorID]

	actualRedeem, err := actual.RedeemScript()
	if err != nil {
		return State{}, err
	}
	actualPkScript, err := actualRedeem.PkScript()
	if err != nil {
		return State{}, err
	}

	lect, hasLect, err := s.Lect(key)
	if err != nil {
		return State{}, err
	}
	if !hasLect {
		// The node joined after genesis: it either picks the chain up
		// under the current address or has to recover it.
		return h.stateWithoutLect(ctx, s, actual, actualPkScript)
	}

	following, _, hasFollowing, err := s.FollowingConfig(ctx.Height())
	if err != nil {
		return State{}, err
	}
	if hasFollowing {
		followingAddr, err := following.Address()
		if err != nil {
			return State{}, err
		}
		if followingAddr.EncodeAddress() != actualAddr.EncodeAddress() {
			return h.stateWithFollowing(actual, following, followingAddr, lect.Tx)
		}
	}

	switch btc.TxKind(lect.Tx) {
	case btc.KindFunding:
		funding, _ := btc.AsFunding(lect.Tx)
		if _, ok := funding.FindOut(actualAddr); !ok {
			return h.recoveringState(ctx, s, actual)
		}
		confirmations, known, err := h.confirmations(lect.Tx)
		if err != nil {
			return State{}, err
		}
		if !known || confirmations < actual.Confirmations {
			return State{
				Kind: StateWaiting, Actual: actual,
				Lect: lect.Tx, Confirmations: confirmations,
			}, nil
		}
		return State{Kind: StateAnchoring, Actual: actual}, nil

	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(lect.Tx)
		if !bytes.Equal(atx.ChainScript(), actualPkScript) {
			// A transition lect was missed; the chain sits on an
			// address this configuration no longer uses.
			return h.recoveringState(ctx, s, actual)
		}
		isTransition, err := lectIsTransition(s, atx)
		if err != nil {
			return State{}, err
		}
		if isTransition {
			confirmations, known, err := h.confirmations(lect.Tx)
			if err != nil {
				return State{}, err
			}
			if !known || confirmations < actual.Confirmations {
				return State{
					Kind: StateWaiting, Actual: actual,
					Lect: lect.Tx, Confirmations: confirmations,
				}, nil
			}
		}
		return State{Kind: StateAnchoring, Actual: actual}, nil

	default:
		return State{Kind: StateBroken},
			fmt.Errorf("lect %s is neither funding nor anchoring: %w", lect.Tx.ID(), ErrBroken)
	}
}

// stateWithoutLect handles a validator whose lect sequence is empty.
func (h *Handler) stateWithoutLect(ctx Context, s *schema.Schema, actual *schema.Config, actualPkScript []byte) (State, error) {
	prev, hasPrev, err := s.PreviousConfig(ctx.Height())
	if err != nil {
		return State{}, err
	}
	if !hasPrev {
		return State{}, fmt.Errorf("validator without lect and without previous configuration: %w", ErrBroken)
	}
	prevLect, ok, err := s.CollectLects(prev)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{Kind: StateRecovering, Actual: actual, Prev: prev}, nil
	}
	recovering := false
	switch btc.TxKind(prevLect) {
	case btc.KindFunding:
		prevAddr, err := prev.Address()
		if err != nil {
			return State{}, err
		}
		actualAddr, err := actual.Address()
		if err != nil {
			return State{}, err
		}
		recovering = prevAddr.EncodeAddress() != actualAddr.EncodeAddress()
	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(prevLect)
		recovering = !bytes.Equal(atx.ChainScript(), actualPkScript)
	default:
		return State{Kind: StateBroken},
			fmt.Errorf("quorum lect %s is neither funding nor anchoring: %w", prevLect.ID(), ErrBroken)
	}
	if recovering {
		return State{Kind: StateRecovering, Actual: actual, Prev: prev}, nil
	}
	return State{Kind: StateAnchoring, Actual: actual}, nil
}

// stateWithFollowing handles a pending configuration whose address differs
// from the current one.
func (h *Handler) stateWithFollowing(actual, following *schema.Config, followingAddr btcutil.Address, lect btc.Tx) (State, error) {
	if err := h.importAddress(followingAddr); err != nil {
		return State{}, err
	}
	followingRedeem, err := following.RedeemScript()
	if err != nil {
		return State{}, err
	}
	followingPkScript, err := followingRedeem.PkScript()
	if err != nil {
		return State{}, err
	}

	switch btc.TxKind(lect) {
	case btc.KindAnchoring:
		atx, _ := btc.AsAnchoring(lect)
		if bytes.Equal(atx.ChainScript(), followingPkScript) {
			// The transition transaction is already our lect; wait
			// for it to confirm.
			confirmations, _, err := h.confirmations(lect)
			if err != nil {
				return State{}, err
			}
			return State{
				Kind: StateWaiting, Actual: actual,
				Lect: lect, Confirmations: confirmations,
			}, nil
		}
		return State{Kind: StateTransition, Actual: actual, Following: following}, nil
	case btc.KindFunding:
		return State{Kind: StateTransition, Actual: actual, Following: following}, nil
	default:
		return State{Kind: StateBroken},
			fmt.Errorf("lect %s is neither funding nor anchoring: %w", lect.ID(), ErrBroken)
	}
}

func (h *Handler) recoveringState(ctx Context, s *schema.Schema, actual *schema.Config) (State, error) {
	prev, ok, err := s.PreviousConfig(ctx.Height())
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("previous configuration is absent in recovering state: %w", ErrBroken)
	}
	return State{Kind: StateRecovering, Actual: actual, Prev: prev}, nil
}

// lectIsTransition reports whether atx moved the chain to a new address.
// A lect that merely differs in signatures from its predecessor is not a
// transition; the predecessor's destination script has to differ. Recovery
// transactions carrying a previous-chain pointer are never transitions.
func lectIsTransition(s *schema.Schema, atx btc.AnchoringTx) (bool, error) {
	payload, err := atx.Payload()
	if err != nil {
		return false, err
	}
	if payload.PrevTxChain != nil {
		return false, nil
	}
	prevTx, known, err := s.KnownTx(atx.PrevTxID())
	if err != nil || !known {
		return false, err
	}
	switch btc.TxKind(prevTx) {
	case btc.KindAnchoring:
		prevAtx, _ := btc.AsAnchoring(prevTx)
		return !bytes.Equal(prevAtx.ChainScript(), atx.ChainScript()), nil
	case btc.KindFunding:
		genesis, err := s.GenesisConfig()
		if err != nil {
			return false, err
		}
		if !prevTx.Equal(genesis.FundingTx.Tx) {
			return false, nil
		}
		genesisRedeem, err := genesis.RedeemScript()
		if err != nil {
			return false, err
		}
		genesisPkScript, err := genesisRedeem.PkScript()
		if err != nil {
			return false, err
		}
		return !bytes.Equal(genesisPkScript, atx.ChainScript()), nil
	default:
		return false, fmt.Errorf("predecessor %s of lect %s is neither funding nor anchoring: %w",
			prevTx.ID(), atx.ID(), ErrBroken)
	}
}
