package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Type != TypeMempool {
		t.Errorf("default type = %s, want %s", cfg.Type, TypeMempool)
	}
	if cfg.MainnetURL == "" || cfg.TestnetURL == "" {
		t.Error("default config should carry both network URLs")
	}
}

func TestNewSelectsNetworkURL(t *testing.T) {
	cfg := &Config{Type: TypeMempool, MainnetURL: "https://main.example/api", TestnetURL: "https://test.example/api"}

	b, err := New(cfg, chain.Mainnet)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if mb, ok := b.(*MempoolBackend); !ok || mb.baseURL != "https://main.example/api" {
		t.Errorf("mainnet backend should use the mainnet URL")
	}

	b, err = New(cfg, chain.Testnet)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if mb, ok := b.(*MempoolBackend); !ok || mb.baseURL != "https://test.example/api" {
		t.Errorf("testnet backend should use the testnet URL")
	}

	if _, err := New(&Config{Type: Type("bogus")}, chain.Mainnet); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("unknown type should return ErrUnsupportedBackend, got %v", err)
	}
}

// mempoolFixture spins up an httptest server answering the handful of
// mempool.space endpoints the tests touch.
func mempoolFixture(t *testing.T) (*MempoolBackend, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("800000"))
	})
	mux.HandleFunc("/blocks/tip/hash", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054\n"))
	})
	mux.HandleFunc("/block-height/799999", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("00000000000000000001d2d3bebd0b481b6c587e3e1a34e8e8e11bba30f0f0f0"))
	})
	mux.HandleFunc("/address/bc1qtest/utxo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"txid":"ab","vout":1,"status":{"confirmed":true,"block_height":799990},"value":50000}]`))
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("deadbeef"))
	})
	mux.HandleFunc("/v1/fees/recommended", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fastestFee":20,"halfHourFee":15,"hourFee":10,"economyFee":5,"minimumFee":1}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewMempoolBackend(srv.URL), srv
}

func TestMempoolConnectAndHeight(t *testing.T) {
	m, _ := mempoolFixture(t)
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Error("backend should report connected")
	}

	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		t.Fatalf("GetBlockHeight() error = %v", err)
	}
	if height != 800000 {
		t.Errorf("height = %d, want 800000", height)
	}
}

func TestMempoolTipAndBlockHash(t *testing.T) {
	m, _ := mempoolFixture(t)
	ctx := context.Background()

	hash, err := m.GetTipHash(ctx)
	if err != nil {
		t.Fatalf("GetTipHash() error = %v", err)
	}
	if hash != "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054" {
		t.Errorf("tip hash = %q (should be trimmed of whitespace)", hash)
	}

	hash, err = m.GetBlockHashAtHeight(ctx, 799999)
	if err != nil {
		t.Fatalf("GetBlockHashAtHeight() error = %v", err)
	}
	if hash != "00000000000000000001d2d3bebd0b481b6c587e3e1a34e8e8e11bba30f0f0f0" {
		t.Errorf("block hash = %q", hash)
	}
}

func TestMempoolUTXOConfirmations(t *testing.T) {
	m, _ := mempoolFixture(t)

	utxos, err := m.GetAddressUTXOs(context.Background(), "bc1qtest")
	if err != nil {
		t.Fatalf("GetAddressUTXOs() error = %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	// 800000 - 799990 + 1
	if utxos[0].Confirmations != 11 {
		t.Errorf("confirmations = %d, want 11", utxos[0].Confirmations)
	}
	if utxos[0].Amount != 50000 {
		t.Errorf("amount = %d, want 50000", utxos[0].Amount)
	}
}

func TestMempoolBroadcast(t *testing.T) {
	m, _ := mempoolFixture(t)

	txid, err := m.BroadcastTransaction(context.Background(), "0100")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %q, want deadbeef", txid)
	}
}

func TestMempoolRawTxNotFound(t *testing.T) {
	m, _ := mempoolFixture(t)

	if _, err := m.GetRawTransaction(context.Background(), "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("error = %v, want ErrTxNotFound for a 404", err)
	}
}

func TestMempoolFeeEstimates(t *testing.T) {
	m, _ := mempoolFixture(t)

	fees, err := m.GetFeeEstimates(context.Background())
	if err != nil {
		t.Fatalf("GetFeeEstimates() error = %v", err)
	}
	if fees.FastestFee != 20 || fees.HourFee != 10 || fees.MinimumFee != 1 {
		t.Errorf("unexpected fees: %+v", fees)
	}
}

// genesisHeaderHex is the 80-byte Bitcoin genesis block header.
const genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000" +
	"000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa" +
	"4b1e5e4a29ab5f49ffff001d1dac2b7c"

func TestParseBlockHeaderGenesis(t *testing.T) {
	header, err := parseBlockHeader(genesisHeaderHex, 0)
	if err != nil {
		t.Fatalf("parseBlockHeader() error = %v", err)
	}
	if header.Hash != "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f" {
		t.Errorf("genesis hash = %s", header.Hash)
	}
	if header.Version != 1 {
		t.Errorf("version = %d, want 1", header.Version)
	}
	if header.Timestamp != 1231006505 {
		t.Errorf("timestamp = %d, want 1231006505", header.Timestamp)
	}
	// Genesis difficulty is exactly 1.
	if header.Difficulty < 0.99 || header.Difficulty > 1.01 {
		t.Errorf("difficulty = %f, want ~1", header.Difficulty)
	}
}

func TestParseBlockHeaderRejectsBadInput(t *testing.T) {
	if _, err := parseBlockHeader("zz", 0); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := parseBlockHeader("0100", 0); err == nil {
		t.Error("expected error for short header")
	}
}

func TestElectrumScriptHash(t *testing.T) {
	e := NewElectrumBackend(nil, false, chain.Mainnet)

	// Known vector: the genesis address's Electrum scripthash.
	got, err := e.scriptHashFor("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("scriptHashFor() error = %v", err)
	}
	want := "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	if got != want {
		t.Errorf("scripthash = %s, want %s", got, want)
	}

	if _, err := e.scriptHashFor("not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

// flakyBackend fails every call with ErrNotConnected; used to prove
// Failover moves on.
type flakyBackend struct{ MempoolBackend }

func (f *flakyBackend) Connect(ctx context.Context) error { return ErrNotConnected }
func (f *flakyBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	return 0, ErrNotConnected
}

func TestFailoverSkipsDeadBackend(t *testing.T) {
	healthy, _ := mempoolFixture(t)
	f := NewFailover(&flakyBackend{}, healthy)

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	height, err := f.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight() error = %v", err)
	}
	if height != 800000 {
		t.Errorf("height = %d, want 800000 from the healthy backend", height)
	}
}

func TestFailoverAdvancesMidCall(t *testing.T) {
	healthy, _ := mempoolFixture(t)
	f := NewFailover(&flakyBackend{}, healthy)
	// Leave active at the flaky backend; the call itself should advance.
	height, err := f.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight() error = %v", err)
	}
	if height != 800000 {
		t.Errorf("height = %d, want 800000", height)
	}
}

func TestFailoverAllDead(t *testing.T) {
	f := NewFailover(&flakyBackend{}, &flakyBackend{})
	if _, err := f.GetBlockHeight(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
