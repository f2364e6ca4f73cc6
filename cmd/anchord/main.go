// anchord runs the anchoring observer daemon: it serves the read-only HTTP
// endpoints over the local anchoring database and carries the operator
// tooling for key and address management.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/slog"
	"github.com/spf13/cobra"

	"github.com/exonum/exonum-anchoring/anchoring"
	"github.com/exonum/exonum-anchoring/api"
	"github.com/exonum/exonum-anchoring/relay"
	"github.com/exonum/exonum-anchoring/schema"
	"github.com/exonum/exonum-anchoring/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "anchord",
		Short:        "bitcoin anchoring observer daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "anchord.yaml", "config file")
	root.AddCommand(runCommand(), keygenCommand(), addressCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "serve the observer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *AnchordConfig) error {
	backend := slog.NewBackend(os.Stdout)
	log := backend.Logger("ANCD")
	if level, ok := slog.LevelFromString(cfg.LogLevel); ok {
		log.SetLevel(level)
	}

	genesis, err := cfg.AnchoringConfig()
	if err != nil {
		return err
	}
	node, err := cfg.NodeConfig()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := relay.NewClient(relay.Options{
		Host:     cfg.Bitcoin.Host,
		User:     cfg.Bitcoin.User,
		Password: cfg.Bitcoin.Password,
		Params:   genesis.Network,
	})
	if err != nil {
		return err
	}
	defer client.Shutdown()

	svc := anchoring.NewService(db, client, node, log)
	if err := seedGenesis(svc, db, genesis, log); err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.New(db, func() uint64 { return latestAnchoredHeight(db) }, log).Routes(mux)
	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	syncInterval, _ := time.ParseDuration(cfg.SyncInterval)
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.ResyncChain(); err != nil {
					log.Warnf("Chain resync failed: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Observer API listening on %s", cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Infof("Received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// seedGenesis writes the genesis configuration on first start. A database
// that already carries one keeps it; the config file is only consulted to
// warn about drift.
func seedGenesis(svc *anchoring.Service, db *storage.DB, genesis *schema.Config, log slog.Logger) error {
	var stored *schema.Config
	err := db.View(func(v *storage.View) error {
		cfg, err := schema.New(v).GenesisConfig()
		if err != nil {
			return err
		}
		stored = cfg
		return nil
	})
	if err != nil {
		log.Infof("Empty database, writing genesis configuration")
		return svc.HandleGenesis(genesis)
	}

	storedAddr, err := stored.Address()
	if err != nil {
		return err
	}
	fileAddr, err := genesis.Address()
	if err != nil {
		return err
	}
	if storedAddr.EncodeAddress() != fileAddr.EncodeAddress() {
		log.Warnf("Config file genesis address %s differs from stored %s, keeping stored",
			fileAddr.EncodeAddress(), storedAddr.EncodeAddress())
	}
	return nil
}

// latestAnchoredHeight is the best height estimate an observer has: the
// highest host height recorded by the anchoring chain.
func latestAnchoredHeight(db *storage.DB) uint64 {
	var height uint64
	_ = db.View(func(v *storage.View) error {
		tx, ok, err := schema.New(v).LatestAnchoringTx()
		if err != nil || !ok {
			return err
		}
		payload, err := tx.Payload()
		if err != nil {
			return err
		}
		height = payload.BlockHeight
		return nil
	})
	return height
}

func keygenCommand() *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate an anchoring key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := schema.NetworkParams(network)
			if err != nil {
				return err
			}
			priv, err := btcec.NewPrivateKey()
			if err != nil {
				return err
			}
			wif, err := btcutil.NewWIF(priv, params, true)
			if err != nil {
				return err
			}
			fmt.Printf("public key:  %s\n", hex.EncodeToString(priv.PubKey().SerializeCompressed()))
			fmt.Printf("private key: %s\n", wif.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "testnet3", "bitcoin network")
	return cmd
}

func addressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "print the genesis anchoring address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			genesis, err := cfg.AnchoringConfig()
			if err != nil {
				return err
			}
			addr, err := genesis.Address()
			if err != nil {
				return err
			}
			fmt.Println(addr.EncodeAddress())
			return nil
		},
	}
}
