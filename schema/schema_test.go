package schema

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exonum/exonum-anchoring/btc"
	"github.com/exonum/exonum-anchoring/storage"
)

func testKeys(t *testing.T, n int) []*btcec.PrivateKey {
	t.Helper()
	keys := make([]*btcec.PrivateKey, n)
	for i := range keys {
		seed := bytes.Repeat([]byte{byte(i + 1)}, 32)
		priv, _ := btcec.PrivKeyFromBytes(seed)
		keys[i] = priv
	}
	return keys
}

func testConfig(t *testing.T, keys []*btcec.PrivateKey, fundingValue int64) *Config {
	t.Helper()
	pubs := make([]*btcec.PublicKey, len(keys))
	for i, k := range keys {
		pubs[i] = k.PubKey()
	}
	cfg := &Config{
		ValidatorKeys: pubs,
		Fee:           1000,
		Interval:      1000,
		Confirmations: 4,
		Network:       &chaincfg.TestNet3Params,
	}
	redeem, err := cfg.RedeemScript()
	require.NoError(t, err)
	pkScript, err := redeem.PkScript()
	require.NoError(t, err)

	wtx := wire.NewMsgTx(1)
	var prev chainhash.Hash
	prev[0] = 0xfd
	wtx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	wtx.AddTxOut(wire.NewTxOut(fundingValue, pkScript))
	funding, ok := btc.AsFunding(btc.FromMsgTx(wtx))
	require.True(t, ok)
	cfg.FundingTx = funding
	return cfg
}

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// buildAnchor makes the first anchoring transaction spending cfg's funding
// output.
func buildAnchor(t *testing.T, cfg *Config, height uint64) btc.AnchoringTx {
	t.Helper()
	redeem, err := cfg.RedeemScript()
	require.NoError(t, err)
	pkScript, err := redeem.PkScript()
	require.NoError(t, err)
	addr, err := cfg.Address()
	require.NoError(t, err)
	vout, ok := cfg.FundingTx.FindOut(addr)
	require.True(t, ok)

	var blockHash chainhash.Hash
	blockHash[0] = byte(height)
	tx, err := btc.NewBuilder(nil).
		AddFunds(&cfg.FundingTx, vout).
		Fee(cfg.Fee).
		Payload(height, blockHash).
		SendTo(pkScript).
		Build()
	require.NoError(t, err)
	return tx
}

func TestMajorityCount(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{1, 1}, {2, 2}, {3, 3}, {4, 3}, {5, 4}, {6, 5}, {7, 5}, {10, 7}, {16, 11},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, MajorityCount(tc.n), "n=%d", tc.n)
	}
}

func TestSignatureIDRoundTrip(t *testing.T) {
	var txid chainhash.Hash
	txid[0] = 0xab
	txid[31] = 0xcd
	id := SignatureID{NormalizedTxID: txid, ValidatorID: 0x0102, Input: 0x03040506}

	raw := id.Bytes()
	require.Len(t, raw, 38)
	assert.Equal(t, txid[:], raw[:32])
	assert.Equal(t, []byte{0x01, 0x02}, raw[32:34])
	assert.Equal(t, []byte{0x03, 0x04, 0x05, 0x06}, raw[34:])

	parsed, err := ParseSignatureID(raw)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseSignatureID(raw[:37])
	assert.Error(t, err)
}

func TestAddLectAppendOnly(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	key := keys[0].PubKey()

	anchor := buildAnchor(t, cfg, 0)
	var msgHash chainhash.Hash
	msgHash[0] = 1

	err := db.Update(func(f *storage.Fork) error {
		s := NewMut(f)
		require.NoError(t, s.AddLect(key, cfg.FundingTx.Tx, chainhash.Hash{}))
		require.NoError(t, s.AddLect(key, anchor.Tx, msgHash))
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(v *storage.View) error {
		s := New(v)
		assert.EqualValues(t, 2, s.Lects(key).Len())

		lect, ok, err := s.Lect(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, lect.Tx.Equal(anchor.Tx))
		assert.Equal(t, msgHash, lect.MsgHash)

		prev, ok, err := s.PrevLect(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, prev.Tx.Equal(cfg.FundingTx.Tx))

		pos, ok := s.FindLectPosition(key, anchor.ID())
		require.True(t, ok)
		assert.EqualValues(t, 1, pos)
		pos, ok = s.FindLectPosition(key, cfg.FundingTx.ID())
		require.True(t, ok)
		assert.EqualValues(t, 0, pos)

		known, ok, err := s.KnownTx(anchor.ID())
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, known.Equal(anchor.Tx))

		other := keys[1].PubKey()
		assert.EqualValues(t, 0, s.Lects(other).Len())
		_, ok, err = s.Lect(other)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestAddKnownSignatureIdempotent(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	anchor := buildAnchor(t, cfg, 0)
	redeem, err := cfg.RedeemScript()
	require.NoError(t, err)

	sig, err := btc.SignTxInput(anchor.Tx, 0, redeem, keys[2])
	require.NoError(t, err)
	msg := SignatureMsg{ValidatorID: 2, Tx: anchor.Tx, Input: 0, Signature: sig}

	err = db.Update(func(f *storage.Fork) error {
		s := NewMut(f)
		added, err := s.AddKnownSignature(msg)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddKnownSignature(msg)
		require.NoError(t, err)
		assert.False(t, added)
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(v *storage.View) error {
		s := New(v)
		assert.True(t, s.HasSignature(msg.ID()))
		sigs, err := s.Signatures(anchor.NormalizedID())
		require.NoError(t, err)
		require.Len(t, sigs, 1)
		assert.EqualValues(t, 2, sigs[0].ValidatorID)
		assert.EqualValues(t, 0, sigs[0].Input)
		assert.Equal(t, sig, sigs[0].Signature)
		return nil
	})
	require.NoError(t, err)
}

func TestProcessSignatureRejects(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	anchor := buildAnchor(t, cfg, 0)
	redeem, err := cfg.RedeemScript()
	require.NoError(t, err)

	goodSig, err := btc.SignTxInput(anchor.Tx, 0, redeem, keys[1])
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     SignatureMsg
		wantErr bool
	}{{
		name: "valid",
		msg:  SignatureMsg{ValidatorID: 1, Tx: anchor.Tx, Input: 0, Signature: goodSig},
	}, {
		name:    "wrong validator claims signature",
		msg:     SignatureMsg{ValidatorID: 2, Tx: anchor.Tx, Input: 0, Signature: goodSig},
		wantErr: true,
	}, {
		name:    "unknown validator id",
		msg:     SignatureMsg{ValidatorID: 9, Tx: anchor.Tx, Input: 0, Signature: goodSig},
		wantErr: true,
	}, {
		name:    "non-anchoring transaction",
		msg:     SignatureMsg{ValidatorID: 1, Tx: cfg.FundingTx.Tx, Input: 0, Signature: goodSig},
		wantErr: true,
	}, {
		name:    "garbage signature",
		msg:     SignatureMsg{ValidatorID: 1, Tx: anchor.Tx, Input: 0, Signature: []byte{1, 2}},
		wantErr: true,
	}}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := db.Update(func(f *storage.Fork) error {
				return NewMut(f).ProcessSignature(cfg, tc.msg)
			})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCollectLects(t *testing.T) {
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	anchorA := buildAnchor(t, cfg, 0)
	anchorB := buildAnchor(t, cfg, 1000)

	lectsFor := func(txs ...btc.Tx) func(*storage.Fork) error {
		return func(f *storage.Fork) error {
			s := NewMut(f)
			for i, tx := range txs {
				if err := s.AddLect(keys[i].PubKey(), tx, chainhash.Hash{}); err != nil {
					return err
				}
			}
			return nil
		}
	}

	t.Run("quorum reached", func(t *testing.T) {
		db := testDB(t)
		require.NoError(t, db.Update(lectsFor(anchorA.Tx, anchorA.Tx, anchorA.Tx, anchorB.Tx)))
		err := db.View(func(v *storage.View) error {
			lect, ok, err := New(v).CollectLects(cfg)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, lect.Equal(anchorA.Tx))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("no quorum despite full reporting", func(t *testing.T) {
		db := testDB(t)
		require.NoError(t, db.Update(lectsFor(anchorA.Tx, anchorA.Tx, anchorB.Tx, anchorB.Tx)))
		err := db.View(func(v *storage.View) error {
			_, ok, err := New(v).CollectLects(cfg)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("missing validators count as absent", func(t *testing.T) {
		db := testDB(t)
		require.NoError(t, db.Update(lectsFor(anchorA.Tx, anchorA.Tx)))
		err := db.View(func(v *storage.View) error {
			_, ok, err := New(v).CollectLects(cfg)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestProcessLectUpdate(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	anchor := buildAnchor(t, cfg, 0)

	err := db.Update(func(f *storage.Fork) error {
		return NewMut(f).CreateGenesis(cfg)
	})
	require.NoError(t, err)

	// Three validators move to the anchoring transaction; the chain entry
	// appears exactly when the third update lands.
	for i := 0; i < 3; i++ {
		err := db.Update(func(f *storage.Fork) error {
			return NewMut(f).ProcessLectUpdate(cfg, LectUpdate{
				ValidatorID: uint16(i), Tx: anchor.Tx, LectCount: 1,
			})
		})
		require.NoError(t, err)

		err = db.View(func(v *storage.View) error {
			_, ok, err := New(v).AnchoringTxAt(0)
			require.NoError(t, err)
			assert.Equal(t, i == 2, ok, "after %d updates", i+1)
			return nil
		})
		require.NoError(t, err)
	}

	err = db.View(func(v *storage.View) error {
		s := New(v)
		tx, ok, err := s.AnchoringTxAt(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tx.Equal(anchor.Tx))

		latest, ok, err := s.LatestAnchoringTx()
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, latest.Equal(anchor.Tx))
		return nil
	})
	require.NoError(t, err)

	t.Run("stale count is dropped", func(t *testing.T) {
		err := db.Update(func(f *storage.Fork) error {
			return NewMut(f).ProcessLectUpdate(cfg, LectUpdate{
				ValidatorID: 0, Tx: anchor.Tx, LectCount: 1,
			})
		})
		require.NoError(t, err)
		err = db.View(func(v *storage.View) error {
			assert.EqualValues(t, 2, New(v).Lects(keys[0].PubKey()).Len())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("unknown validator", func(t *testing.T) {
		err := db.Update(func(f *storage.Fork) error {
			return NewMut(f).ProcessLectUpdate(cfg, LectUpdate{
				ValidatorID: 7, Tx: anchor.Tx, LectCount: 0,
			})
		})
		assert.Error(t, err)
	})
}

func TestCreateGenesisSeedsLects(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)

	err := db.Update(func(f *storage.Fork) error {
		return NewMut(f).CreateGenesis(cfg)
	})
	require.NoError(t, err)

	err = db.View(func(v *storage.View) error {
		s := New(v)
		for _, k := range keys {
			lect, ok, err := s.Lect(k.PubKey())
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, lect.Tx.Equal(cfg.FundingTx.Tx))
			assert.Equal(t, chainhash.Hash{}, lect.MsgHash)
		}
		genesis, err := s.GenesisConfig()
		require.NoError(t, err)
		assert.Equal(t, cfg.Interval, genesis.Interval)

		lect, ok, err := s.CollectLects(cfg)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, lect.Equal(cfg.FundingTx.Tx))
		return nil
	})
	require.NoError(t, err)
}

func TestConfigHistory(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	genesis := testConfig(t, keys, 4000)
	next := testConfig(t, keys[:3], 4000)

	err := db.Update(func(f *storage.Fork) error {
		s := NewMut(f)
		if err := s.AddConfig(genesis, 0); err != nil {
			return err
		}
		return s.AddConfig(next, 5000)
	})
	require.NoError(t, err)

	err = db.View(func(v *storage.View) error {
		s := New(v)

		actual, err := s.ActualConfig(100)
		require.NoError(t, err)
		assert.Len(t, actual.ValidatorKeys, 4)

		following, at, ok, err := s.FollowingConfig(100)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 5000, at)
		assert.Len(t, following.ValidatorKeys, 3)

		actual, err = s.ActualConfig(5000)
		require.NoError(t, err)
		assert.Len(t, actual.ValidatorKeys, 3)
		_, _, ok, err = s.FollowingConfig(5000)
		require.NoError(t, err)
		assert.False(t, ok)

		prev, ok, err := s.PreviousConfig(6000)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, prev.ValidatorKeys, 4)
		_, ok, err = s.PreviousConfig(100)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestConfigAddress(t *testing.T) {
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	addr, err := cfg.Address()
	require.NoError(t, err)

	// Removing a validator changes the redeem script bytes and the address.
	smaller := testConfig(t, keys[:3], 4000)
	smallerAddr, err := smaller.Address()
	require.NoError(t, err)
	assert.NotEqual(t, addr.EncodeAddress(), smallerAddr.EncodeAddress())
	assert.Equal(t, 3, cfg.MajorityCount())
	assert.Equal(t, 3, smaller.MajorityCount())
}

func TestConfigJSONRoundTrip(t *testing.T) {
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)

	raw, err := cfg.MarshalJSON()
	require.NoError(t, err)
	var got Config
	require.NoError(t, got.UnmarshalJSON(raw))

	assert.Len(t, got.ValidatorKeys, 4)
	for i, k := range got.ValidatorKeys {
		assert.True(t, k.IsEqual(cfg.ValidatorKeys[i]))
	}
	assert.True(t, got.FundingTx.Equal(cfg.FundingTx.Tx))
	assert.Equal(t, cfg.Fee, got.Fee)
	assert.Equal(t, cfg.Interval, got.Interval)
	assert.Equal(t, cfg.Confirmations, got.Confirmations)
	assert.Equal(t, cfg.Network.Name, got.Network.Name)
}

func TestAnchoringHeights(t *testing.T) {
	cfg := &Config{Interval: 1000}
	assert.EqualValues(t, 0, cfg.NearestAnchoringHeight(0))
	assert.EqualValues(t, 1000, cfg.NearestAnchoringHeight(1))
	assert.EqualValues(t, 1000, cfg.NearestAnchoringHeight(1000))
	assert.EqualValues(t, 2000, cfg.NearestAnchoringHeight(1001))
	assert.EqualValues(t, 0, cfg.PreviousAnchoringHeight(999))
	assert.EqualValues(t, 1000, cfg.PreviousAnchoringHeight(1000))
	assert.EqualValues(t, 1000, cfg.PreviousAnchoringHeight(1999))
}

func TestStateHash(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 4000)
	anchor := buildAnchor(t, cfg, 0)

	readHash := func() [][32]byte {
		var roots [][32]byte
		err := db.View(func(v *storage.View) error {
			var err error
			roots, err = New(v).StateHash(cfg)
			return err
		})
		require.NoError(t, err)
		require.Len(t, roots, 5)
		return roots
	}

	require.NoError(t, db.Update(func(f *storage.Fork) error {
		return NewMut(f).CreateGenesis(cfg)
	}))
	before := readHash()

	require.NoError(t, db.Update(func(f *storage.Fork) error {
		return NewMut(f).AddLect(keys[2].PubKey(), anchor.Tx, chainhash.Hash{})
	}))
	after := readHash()

	assert.Equal(t, before[0], after[0], "anchored blocks untouched")
	assert.Equal(t, before[1], after[1])
	assert.Equal(t, before[2], after[2])
	assert.NotEqual(t, before[3], after[3], "validator 2 lects changed")
	assert.Equal(t, before[4], after[4])

	// A quorum lect update extends the anchored-blocks list.
	require.NoError(t, db.Update(func(f *storage.Fork) error {
		s := NewMut(f)
		for i := 0; i < 3; i++ {
			if i == 2 {
				continue
			}
			err := s.ProcessLectUpdate(cfg, LectUpdate{
				ValidatorID: uint16(i), Tx: anchor.Tx, LectCount: 1,
			})
			if err != nil {
				return err
			}
		}
		return s.ProcessLectUpdate(cfg, LectUpdate{ValidatorID: 3, Tx: anchor.Tx, LectCount: 1})
	}))
	final := readHash()
	assert.NotEqual(t, after[0], final[0], "anchored blocks root changed")
}

func TestNearestAnchoringTx(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t, 4)
	cfg := testConfig(t, keys, 10000)
	first := buildAnchor(t, cfg, 0)

	redeem, err := cfg.RedeemScript()
	require.NoError(t, err)
	pkScript, err := redeem.PkScript()
	require.NoError(t, err)
	var blockHash chainhash.Hash
	blockHash[1] = 0x33
	second, err := btc.NewBuilder(&first).
		Fee(cfg.Fee).
		Payload(1000, blockHash).
		SendTo(pkScript).
		Build()
	require.NoError(t, err)

	require.NoError(t, db.Update(func(f *storage.Fork) error {
		s := NewMut(f)
		if err := s.CreateGenesis(cfg); err != nil {
			return err
		}
		for _, tx := range []btc.Tx{first.Tx, second.Tx} {
			count := s.Lects(keys[0].PubKey()).Len()
			for i := 0; i < 4; i++ {
				err := s.ProcessLectUpdate(cfg, LectUpdate{
					ValidatorID: uint16(i), Tx: tx, LectCount: count,
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	}))

	err = db.View(func(v *storage.View) error {
		s := New(v)
		tx, ok, err := s.NearestAnchoringTx(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tx.Equal(second.Tx))

		tx, ok, err = s.NearestAnchoringTx(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tx.Equal(first.Tx))

		_, ok, err = s.NearestAnchoringTx(1001)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}
