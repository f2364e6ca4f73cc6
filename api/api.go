// Package api exposes the read-only anchoring observer endpoints. All
// handlers are pure views over the schema; nothing here mutates state.
package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/slog"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/schema"
	"github.com/exonum/exonum-anchoring/storage"
)

// HeightProvider reports the host chain's current committed height, needed to
// resolve the actual and following configurations.
type HeightProvider func() uint64

// Server serves the observer endpoints.
type Server struct {
	db     *storage.DB
	height HeightProvider
	log    slog.Logger
}

// New builds an API server over the database.
func New(db *storage.DB, height HeightProvider, log slog.Logger) *Server {
	return &Server{db: db, height: height, log: log}
}

// Routes registers the endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/address/actual", s.handleActualAddress)
	mux.HandleFunc("/api/v1/address/following", s.handleFollowingAddress)
	mux.HandleFunc("/api/v1/lect", s.handleLect)
	mux.HandleFunc("/api/v1/lect/validator", s.handleValidatorLect)
	mux.HandleFunc("/api/v1/nearest", s.handleNearest)
}

type txResponse struct {
	TxID    string `json:"txid"`
	Content string `json:"content"`
}

func newTxResponse(tx btc.Tx) txResponse {
	return txResponse{TxID: tx.ID().String(), Content: tx.Hex()}
}

func (s *Server) handleActualAddress(w http.ResponseWriter, r *http.Request) {
	var address string
	err := s.db.View(func(v *storage.View) error {
		cfg, err := schema.New(v).ActualConfig(s.height())
		if err != nil {
			return err
		}
		addr, err := cfg.Address()
		if err != nil {
			return err
		}
		address = addr.EncodeAddress()
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"address": address})
}

func (s *Server) handleFollowingAddress(w http.ResponseWriter, r *http.Request) {
	var (
		address string
		found   bool
	)
	err := s.db.View(func(v *storage.View) error {
		cfg, _, ok, err := schema.New(v).FollowingConfig(s.height())
		if err != nil || !ok {
			return err
		}
		addr, err := cfg.Address()
		if err != nil {
			return err
		}
		address, found = addr.EncodeAddress(), true
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.notFound(w, "no following configuration")
		return
	}
	s.ok(w, map[string]string{"address": address})
}

// handleLect returns the transaction currently agreed on by a quorum of
// validators.
func (s *Server) handleLect(w http.ResponseWriter, r *http.Request) {
	var (
		resp  txResponse
		found bool
	)
	err := s.db.View(func(v *storage.View) error {
		sch := schema.New(v)
		cfg, err := sch.ActualConfig(s.height())
		if err != nil {
			return err
		}
		lect, ok, err := sch.CollectLects(cfg)
		if err != nil || !ok {
			return err
		}
		resp, found = newTxResponse(lect), true
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.notFound(w, "lect quorum not reached")
		return
	}
	s.ok(w, resp)
}

// handleValidatorLect returns one validator's current lect. The validator is
// addressed either by position (?id=) or by compressed public key (?key=).
func (s *Server) handleValidatorLect(w http.ResponseWriter, r *http.Request) {
	var (
		resp  txResponse
		found bool
	)
	err := s.db.View(func(v *storage.View) error {
		sch := schema.New(v)
		cfg, err := sch.ActualConfig(s.height())
		if err != nil {
			return err
		}
		key, err := validatorKey(cfg, r)
		if err != nil {
			return err
		}
		lect, ok, err := sch.Lect(key)
		if err != nil || !ok {
			return err
		}
		resp, found = newTxResponse(lect.Tx), true
		return nil
	})
	if err != nil {
		s.badRequest(w, err)
		return
	}
	if !found {
		s.notFound(w, "validator has no lect")
		return
	}
	s.ok(w, resp)
}

// handleNearest returns the anchoring transaction covering ?height=, the one
// whose anchored height is the lowest at or above it.
func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 64)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var (
		resp  txResponse
		found bool
	)
	err = s.db.View(func(v *storage.View) error {
		tx, ok, err := schema.New(v).NearestAnchoringTx(height)
		if err != nil || !ok {
			return err
		}
		resp, found = newTxResponse(tx.Tx), true
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.notFound(w, "height not anchored yet")
		return
	}
	s.ok(w, resp)
}

func validatorKey(cfg *schema.Config, r *http.Request) (*btcec.PublicKey, error) {
	q := r.URL.Query()
	if keyHex := q.Get("key"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, err
		}
		return btcec.ParsePubKey(raw)
	}
	id, err := strconv.Atoi(q.Get("id"))
	if err != nil {
		return nil, err
	}
	if id < 0 || id >= len(cfg.ValidatorKeys) {
		return nil, &strconv.NumError{Func: "validator", Num: q.Get("id"), Err: strconv.ErrRange}
	}
	return cfg.ValidatorKeys[id], nil
}

func (s *Server) ok(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorf("Unable to encode response: %v", err)
	}
}

func (s *Server) notFound(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Errorf("Observer request failed: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
