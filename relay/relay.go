// Package relay talks to a Bitcoin node. The anchoring handler and the sync
// task depend only on the Relay interface so tests can substitute a fake
// network.
package relay

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/exonum/exonum-anchoring/btc"
)

// TxInfo describes a transaction the Bitcoin network knows about.
type TxInfo struct {
	Tx            btc.Tx
	Confirmations int64
}

// UnspentTx is one unspent output at a watched address together with the
// transaction carrying it.
type UnspentTx struct {
	Tx            btc.Tx
	Confirmations int64
}

// Relay is the narrow Bitcoin surface the service needs. Every method may
// fail with a transport error; absence of a transaction is reported through
// the ok flag, never as an error.
type Relay interface {
	// WatchAddress registers addr with the node's wallet so its outputs
	// show up in unspent listings.
	WatchAddress(addr btcutil.Address, rescan bool) error
	// SendTransaction broadcasts tx. A node that already knows the
	// transaction reports success.
	SendTransaction(tx btc.Tx) (chainhash.Hash, error)
	// TransactionInfo looks a transaction up by id.
	TransactionInfo(txid chainhash.Hash) (TxInfo, bool, error)
	// UnspentOutputs lists transactions with unspent outputs at addr,
	// most recent first.
	UnspentOutputs(addr btcutil.Address) ([]UnspentTx, error)
}

// TransactionConfirmations returns the confirmation count for txid, with
// ok=false when the network does not know the transaction.
func TransactionConfirmations(r Relay, txid chainhash.Hash) (int64, bool, error) {
	info, ok, err := r.TransactionInfo(txid)
	if err != nil || !ok {
		return 0, false, err
	}
	return info.Confirmations, true, nil
}

// Client implements Relay over bitcoind's JSON-RPC wallet interface.
type Client struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
}

// Options configures the RPC connection.
type Options struct {
	Host     string
	User     string
	Password string
	Params   *chaincfg.Params
}

// NewClient dials the Bitcoin node in HTTP POST mode.
func NewClient(opts Options) (*Client, error) {
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         opts.Host,
		User:         opts.User,
		Pass:         opts.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to bitcoin rpc: %w", err)
	}
	return &Client{rpc: rpc, params: opts.Params}, nil
}

// Shutdown releases the RPC connection.
func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// WatchAddress imports addr as watch-only.
func (c *Client) WatchAddress(addr btcutil.Address, rescan bool) error {
	err := c.rpc.ImportAddressRescan(addr.EncodeAddress(), "", rescan)
	if err != nil {
		return fmt.Errorf("watch address %s: %w", addr.EncodeAddress(), err)
	}
	return nil
}

// SendTransaction broadcasts tx, treating the node already knowing it as
// success.
func (c *Client) SendTransaction(tx btc.Tx) (chainhash.Hash, error) {
	txid, err := c.rpc.SendRawTransaction(tx.MsgTx(), false)
	if err != nil {
		if alreadyKnown(err) {
			return tx.ID(), nil
		}
		return chainhash.Hash{}, fmt.Errorf("send transaction %s: %w", tx.ID(), err)
	}
	return *txid, nil
}

// TransactionInfo fetches a wallet transaction and its confirmation count.
func (c *Client) TransactionInfo(txid chainhash.Hash) (TxInfo, bool, error) {
	res, err := c.rpc.GetTransaction(&txid)
	if err != nil {
		if notFound(err) {
			return TxInfo{}, false, nil
		}
		return TxInfo{}, false, fmt.Errorf("transaction info %s: %w", txid, err)
	}
	tx, err := btc.FromHex(res.Hex)
	if err != nil {
		return TxInfo{}, false, fmt.Errorf("transaction info %s: %w", txid, err)
	}
	return TxInfo{Tx: tx, Confirmations: res.Confirmations}, true, nil
}

// UnspentOutputs lists unspent outputs at addr and resolves each to its full
// transaction, newest first.
func (c *Client) UnspentOutputs(addr btcutil.Address) ([]UnspentTx, error) {
	unspent, err := c.rpc.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("list unspent at %s: %w", addr.EncodeAddress(), err)
	}
	// Newest first so the chain tip candidate comes before older outputs.
	out := make([]UnspentTx, 0, len(unspent))
	for i := len(unspent) - 1; i >= 0; i-- {
		u := unspent[i]
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("unspent txid %q: %w", u.TxID, err)
		}
		info, ok, err := c.TransactionInfo(*txid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, UnspentTx{Tx: info.Tx, Confirmations: u.Confirmations})
	}
	return out, nil
}

func notFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey ||
			rpcErr.Code == btcjson.ErrRPCNoTxInfo ||
			rpcErr.Code == btcjson.ErrRPCWallet
	}
	return false
}

func alreadyKnown(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == btcjson.ErrRPCTxAlreadyInChain ||
			rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain
	}
	return false
}
