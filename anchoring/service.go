package anchoring

import (
	"fmt"

	"github.com/decred/slog"

	"github.com/exonum/exonum-anchoring/relay"
	"github.com/exonum/exonum-anchoring/schema"
	"github.com/exonum/exonum-anchoring/storage"
)

// Service glues the anchoring pieces to the host engine: it owns the
// database, applies consensus-ordered messages to the schema and runs the
// per-commit handler and the relay sync task.
type Service struct {
	db      *storage.DB
	handler *Handler
	sync    *SyncTask
	log     slog.Logger
}

// NewService assembles a service instance.
func NewService(db *storage.DB, r relay.Relay, node NodeConfig, log slog.Logger) *Service {
	sink := &ErrorSink{}
	return &Service{
		db:      db,
		handler: NewHandler(r, node, sink, log),
		sync:    NewSyncTask(r, log),
		log:     log,
	}
}

// Handler exposes the per-commit handler, mainly for its error sink.
func (svc *Service) Handler() *Handler { return svc.handler }

// DB exposes the database for read-only consumers such as the HTTP API.
func (svc *Service) DB() *storage.DB { return svc.db }

// HandleGenesis initializes the schema from the genesis configuration.
func (svc *Service) HandleGenesis(cfg *schema.Config) error {
	return svc.db.Update(func(f *storage.Fork) error {
		return schema.NewMut(f).CreateGenesis(cfg)
	})
}

// ExecuteLectUpdate applies a consensus-ordered lect update at the given
// commit height.
func (svc *Service) ExecuteLectUpdate(height uint64, msg schema.LectUpdate) error {
	return svc.db.Update(func(f *storage.Fork) error {
		s := schema.NewMut(f)
		cfg, err := s.ActualConfig(height)
		if err != nil {
			return err
		}
		return s.ProcessLectUpdate(cfg, msg)
	})
}

// ExecuteSignature applies a consensus-ordered signature message at the given
// commit height.
func (svc *Service) ExecuteSignature(height uint64, msg schema.SignatureMsg) error {
	return svc.db.Update(func(f *storage.Fork) error {
		s := schema.NewMut(f)
		cfg, err := s.ActualConfig(height)
		if err != nil {
			return err
		}
		return s.ProcessSignature(cfg, msg)
	})
}

// AfterCommit runs the anchoring handler and the relay sync task for one
// committed block. A returned error is fatal for the node.
func (svc *Service) AfterCommit(ctx Context) error {
	err := svc.db.Update(func(f *storage.Fork) error {
		return svc.handler.AfterCommit(ctx, schema.NewMut(f))
	})
	if err != nil {
		return fmt.Errorf("commit at height %d: %w", ctx.Height(), err)
	}

	return svc.db.View(func(v *storage.View) error {
		if err := svc.sync.Run(schema.New(v), ctx.Height()); err != nil {
			// Relay hiccups are retried on the next cadence tick.
			svc.log.Warnf("Relay sync failed at height %d: %v", ctx.Height(), err)
			svc.handler.Errors().Push(err)
		}
		return nil
	})
}

// ResyncChain pushes the recorded anchoring chain to the Bitcoin network
// outside the commit cadence. Standalone observer deployments call this from
// a wall-clock ticker.
func (svc *Service) ResyncChain() error {
	return svc.db.View(func(v *storage.View) error {
		return svc.sync.Sync(schema.New(v))
	})
}

// StateHash folds the anchoring tables into the host state commitment for the
// configuration active at height.
func (svc *Service) StateHash(height uint64) ([][32]byte, error) {
	var roots [][32]byte
	err := svc.db.View(func(v *storage.View) error {
		s := schema.New(v)
		cfg, err := s.ActualConfig(height)
		if err != nil {
			return err
		}
		roots, err = s.StateHash(cfg)
		return err
	})
	return roots, err
}
