package anchoring

import (
	"fmt"

	"github.com/decred/slog"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/relay"
	"github.com/exonum/exonum-anchoring/schema"
)

// SyncTask pushes locally finalized but not yet accepted anchoring
// transactions to the Bitcoin network. It runs every half anchoring interval
// (at least every block) and tolerates partially submitted chains.
type SyncTask struct {
	relay relay.Relay
	log   slog.Logger
}

// NewSyncTask wires a sync task to the relay.
func NewSyncTask(r relay.Relay, log slog.Logger) *SyncTask {
	return &SyncTask{relay: r, log: log}
}

// Run synchronizes the recorded chain with the network for the given commit
// height.
func (t *SyncTask) Run(s *schema.Schema, height uint64) error {
	cfg, err := s.ActualConfig(height)
	if err != nil {
		return err
	}
	interval := cfg.Interval / 2
	if interval < 1 {
		interval = 1
	}
	if height%interval != 0 {
		return nil
	}
	return t.Sync(s)
}

// Sync resubmits the unaccepted tail of the recorded chain regardless of the
// commit cadence. Standalone observers drive this from a wall-clock ticker.
func (t *SyncTask) Sync(s *schema.Schema) error {
	var chain []btc.AnchoringTx
	err := s.AnchoringChain(func(_ uint64, tx btc.AnchoringTx) error {
		chain = append(chain, tx)
		return nil
	})
	if err != nil {
		return err
	}

	start, found, err := t.firstUnsynced(chain)
	if err != nil || !found {
		return err
	}
	for _, tx := range chain[start:] {
		t.log.Debugf("Sending anchoring transaction to the relay: %s", tx.ID())
		if _, err := t.relay.SendTransaction(tx.Tx); err != nil {
			return fmt.Errorf("sync chain at %s: %w", tx.ID(), err)
		}
	}
	return nil
}

// firstUnsynced walks the chain from the tip backward and returns the index
// of the first transaction whose predecessor the network knows but which the
// network itself does not.
func (t *SyncTask) firstUnsynced(chain []btc.AnchoringTx) (int, bool, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		tx := chain[i]
		_, prevKnown, err := t.relay.TransactionInfo(tx.PrevTxID())
		if err != nil {
			return 0, false, err
		}
		if !prevKnown {
			continue
		}
		_, known, err := t.relay.TransactionInfo(tx.ID())
		if err != nil {
			return 0, false, err
		}
		if !known {
			return i, true, nil
		}
	}
	return 0, false, nil
}
