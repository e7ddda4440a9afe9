package walletcore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// stubKeys is a minimal keychain: a script is "ours" iff it was registered.
type stubKeys struct {
	owned map[string]bool
}

func newStubKeys() *stubKeys { return &stubKeys{owned: make(map[string]bool)} }

func (s *stubKeys) own(script []byte) { s.owned[string(script)] = true }

func (s *stubKeys) FindKeyByPubKey([]byte) (keychain.Key, bool) { return keychain.Key{}, false }
func (s *stubKeys) FindKeyByPubKeyHash([]byte, txgraph.ScriptType) (keychain.Key, bool) {
	return keychain.Key{}, false
}
func (s *stubKeys) FindRedeemData([]byte) (keychain.RedeemData, bool) {
	return keychain.RedeemData{}, false
}
func (s *stubKeys) IsPubKeyMine([]byte) bool                   { return false }
func (s *stubKeys) IsScriptHashMine([]byte) bool               { return false }
func (s *stubKeys) MarkPubKeyUsed([]byte)                      {}
func (s *stubKeys) MarkScriptHashUsed([]byte)                  {}
func (s *stubKeys) EarliestKeyCreationTime() time.Time         { return time.Unix(0, 0) }
func (s *stubKeys) CurrentAddress(bool) (string, []byte, error) {
	return "", nil, nil
}
func (s *stubKeys) FreshAddress(bool) (string, []byte, error) { return "", nil, nil }
func (s *stubKeys) IsRelevantScript(script []byte) bool       { return s.owned[string(script)] }
func (s *stubKeys) RotatingKeys(time.Time) []keychain.Key     { return nil }
func (s *stubKeys) AllChainsRotating(time.Time) bool          { return false }

var _ keychain.Keychain = (*stubKeys)(nil)

func newTestWallet(t *testing.T) (*Wallet, *stubKeys) {
	t.Helper()
	keys := newStubKeys()
	w := NewWallet(keys, confidence.NewTable(10), DefaultConfig(), nil)
	return w, keys
}

// ownedScript fabricates a distinct P2WPKH-shaped script.
func ownedScript(tag byte) []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	script[2] = tag
	return script
}

func blockAt(height uint32) BlockInfo {
	return BlockInfo{
		Hash:   chainhash.HashH([]byte{byte(height), byte(height >> 8)}),
		Height: height,
		Time:   time.Unix(1700000000+int64(height)*600, 0),
	}
}

// fundingTx pays value to script from an untracked outpoint.
func fundingTx(tag byte, value int64, script []byte) txgraph.Tx {
	prev := txgraph.NewOutPoint(chainhash.HashH([]byte{0xf0, tag}), 0)
	out, _ := txgraph.NewOutput(value, script)
	return txgraph.New(2, []txgraph.Input{txgraph.NewInput(prev, 0xfffffffd)}, []txgraph.Output{out}, 0)
}

// spendTx spends op into a single output paying script.
func spendTx(op txgraph.OutPoint, value int64, script []byte) txgraph.Tx {
	out, _ := txgraph.NewOutput(value, script)
	return txgraph.New(2, []txgraph.Input{txgraph.NewInput(op, 0xfffffffd)}, []txgraph.Output{out}, 0)
}

func coinbaseTx(tag byte, value int64, script []byte) txgraph.Tx {
	prev := txgraph.NewOutPoint(chainhash.Hash{}, ^uint32(0))
	out, _ := txgraph.NewOutput(value, script)
	in := txgraph.NewInput(prev, 0xffffffff)
	in = in.WithScriptSig([]byte{tag})
	return txgraph.New(1, []txgraph.Input{in}, []txgraph.Output{out}, 0)
}

func mustPool(t *testing.T, w *Wallet, txid chainhash.Hash, want pool.Kind) {
	t.Helper()
	kind, ok := w.Store().PoolOf(txid)
	if !ok {
		t.Fatalf("tx %s not tracked", txid)
	}
	if kind != want {
		t.Fatalf("tx %s in pool %s, want %s", txid, kind, want)
	}
}

func TestPendingThenConfirmed(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(1)
	keys.own(script)

	txA := fundingTx(1, 100_000, script)
	if err := w.Commit(txA); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if got := w.Balance(BalanceAvailable); got != 0 {
		t.Errorf("available = %d, want 0 while pending", got)
	}
	if got := w.Balance(BalanceEstimated); got != 100_000 {
		t.Errorf("estimated = %d, want 100000", got)
	}
	mustPool(t, w, txA.TxID(), pool.Pending)

	block := blockAt(10)
	if err := w.ReceiveFromBlock(txA, block, BestChain, 0); err != nil {
		t.Fatalf("ReceiveFromBlock() error = %v", err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatalf("NotifyNewBestBlock() error = %v", err)
	}

	if got := w.Balance(BalanceAvailable); got != 100_000 {
		t.Errorf("available = %d, want 100000 after confirmation", got)
	}
	mustPool(t, w, txA.TxID(), pool.Unspent)

	rec, _ := w.Confidence().Get(txA.TxID())
	if rec.State() != confidence.Building || rec.Depth() != 1 {
		t.Errorf("confidence = %s depth %d, want BUILDING depth 1", rec.State(), rec.Depth())
	}

	last, ok := w.LastSeenBlock()
	if !ok || last.Hash != block.Hash {
		t.Error("last-seen block should be the notified block")
	}
}

func TestCommitIdempotent(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(2)
	keys.own(script)

	tx := fundingTx(2, 50_000, script)
	if err := w.Commit(tx); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}
	if err := w.Commit(tx); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}

	if got := w.Balance(BalanceEstimated); got != 50_000 {
		t.Errorf("estimated = %d, want 50000 (no double count)", got)
	}
	if got := len(w.Store().MyUnspents()); got != 1 {
		t.Errorf("my-unspents = %d entries, want 1", got)
	}
}

func TestSpendConnectsAndMovesParent(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(3)
	keys.own(script)
	other := ownedScript(0x7f) // not registered as ours

	fund := fundingTx(3, 80_000, script)
	block := blockAt(20)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatalf("ReceiveFromBlock() error = %v", err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatalf("NotifyNewBestBlock() error = %v", err)
	}

	spend := spendTx(txgraph.NewOutPoint(fund.TxID(), 0), 79_000, other)
	if err := w.CommitSelfOriginated(spend); err != nil {
		t.Fatalf("CommitSelfOriginated() error = %v", err)
	}

	// The spent output leaves my-unspents and its parent moves to SPENT.
	mustPool(t, w, fund.TxID(), pool.Spent)
	mustPool(t, w, spend.TxID(), pool.Pending)
	if got := w.Balance(BalanceEstimated); got != 0 {
		t.Errorf("estimated = %d, want 0 after spending away", got)
	}

	spender, idx, ok := w.Store().SpentBy(txgraph.NewOutPoint(fund.TxID(), 0))
	if !ok || spender != spend.TxID() || idx != 0 {
		t.Error("spent-by back-reference should point at the spending input")
	}
}

func TestSelfOriginatedChangeSpendableOncePropagated(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(4)
	change := ownedScript(5)
	keys.own(script)
	keys.own(change)

	fund := fundingTx(4, 80_000, script)
	block := blockAt(30)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}

	// Spend to ourselves (change), self-originated.
	spend := spendTx(txgraph.NewOutPoint(fund.TxID(), 0), 79_000, change)
	if err := w.CommitSelfOriginated(spend); err != nil {
		t.Fatal(err)
	}

	if got := w.Balance(BalanceAvailable); got != 0 {
		t.Errorf("available = %d, want 0 before propagation", got)
	}
	if got := w.Balance(BalanceEstimated); got != 79_000 {
		t.Errorf("estimated = %d, want 79000", got)
	}

	w.Confidence().MarkSeenBy(spend.TxID(), "peer-1")
	if got := w.Balance(BalanceAvailable); got != 79_000 {
		t.Errorf("available = %d, want 79000 once one peer has it", got)
	}
}

func TestForeignPendingChangeNotSpendable(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(6)
	keys.own(script)

	tx := fundingTx(6, 40_000, script)
	if err := w.Commit(tx); err != nil {
		t.Fatal(err)
	}
	w.Confidence().MarkSeenBy(tx.TxID(), "peer-1")

	// Propagated but not self-originated: still not AVAILABLE.
	if got := w.Balance(BalanceAvailable); got != 0 {
		t.Errorf("available = %d, want 0 for foreign pending", got)
	}
}

func TestDoubleSpendOnBestChainKillsPending(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(7)
	keys.own(script)
	elsewhere := ownedScript(0x7e)

	fund := fundingTx(7, 100_000, script)
	block := blockAt(40)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}

	outpoint := txgraph.NewOutPoint(fund.TxID(), 0)
	txP := spendTx(outpoint, 99_000, elsewhere)
	if err := w.CommitSelfOriginated(txP); err != nil {
		t.Fatal(err)
	}

	// A different spend of the same outpoint confirms.
	txQ := spendTx(outpoint, 98_000, ownedScript(0x7d))
	next := blockAt(41)
	if err := w.ReceiveFromBlock(txQ, next, BestChain, 0); err != nil {
		t.Fatalf("ReceiveFromBlock(txQ) error = %v", err)
	}
	if err := w.NotifyNewBestBlock(next); err != nil {
		t.Fatal(err)
	}

	mustPool(t, w, txP.TxID(), pool.Dead)
	recP, _ := w.Confidence().Get(txP.TxID())
	if recP.State() != confidence.Dead {
		t.Errorf("txP confidence = %s, want DEAD", recP.State())
	}
	if overrider, ok := recP.OverridingTx(); !ok || overrider != txQ.TxID() {
		t.Errorf("txP overrider = %v (ok=%v), want txQ", overrider, ok)
	}

	kindQ, _ := w.Store().PoolOf(txQ.TxID())
	if kindQ != pool.Spent && kindQ != pool.Unspent {
		t.Errorf("txQ pool = %s, want UNSPENT or SPENT", kindQ)
	}
	if got := w.Balance(BalanceEstimated); got != 0 {
		t.Errorf("estimated = %d, want 0 (fund spent by txQ, txP dead)", got)
	}
}

func TestSpendOfDeadOutputIsDead(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(8)
	keys.own(script)

	fund := fundingTx(8, 60_000, script)
	block := blockAt(50)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}

	outpoint := txgraph.NewOutPoint(fund.TxID(), 0)
	txP := spendTx(outpoint, 59_000, ownedScript(0x70))
	if err := w.Commit(txP); err != nil {
		t.Fatal(err)
	}
	txQ := spendTx(outpoint, 58_000, ownedScript(0x71))
	if err := w.ReceiveFromBlock(txQ, blockAt(51), BestChain, 0); err != nil {
		t.Fatal(err)
	}
	mustPool(t, w, txP.TxID(), pool.Dead)

	// A child building on the dead txP is dead on arrival.
	child := spendTx(txgraph.NewOutPoint(txP.TxID(), 0), 58_500, ownedScript(0x72))
	if err := w.Commit(child); err != nil {
		t.Fatal(err)
	}
	mustPool(t, w, child.TxID(), pool.Dead)
	rec, _ := w.Confidence().Get(child.TxID())
	if _, ok := rec.OverridingTx(); !ok {
		t.Error("dead-by-ancestry child should record an overriding transaction")
	}
}

func TestConflictingPendingsGoInConflict(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(9)
	keys.own(script)

	fund := fundingTx(9, 70_000, script)
	block := blockAt(60)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}

	outpoint := txgraph.NewOutPoint(fund.TxID(), 0)
	txP := spendTx(outpoint, 69_000, ownedScript(0x60))
	if err := w.Commit(txP); err != nil {
		t.Fatal(err)
	}
	txR := spendTx(outpoint, 68_000, ownedScript(0x61))
	if err := w.Commit(txR); err != nil {
		t.Fatal(err)
	}

	recP, _ := w.Confidence().Get(txP.TxID())
	recR, _ := w.Confidence().Get(txR.TxID())
	if recP.State() != confidence.InConflict || recR.State() != confidence.InConflict {
		t.Errorf("states = %s/%s, want IN_CONFLICT/IN_CONFLICT", recP.State(), recR.State())
	}
	// Neither is canonical: both stay tracked, miners arbitrate.
	mustPool(t, w, txP.TxID(), pool.Pending)
	mustPool(t, w, txR.TxID(), pool.Pending)

	// Confirmation resolves the conflict: the winner builds, the loser dies.
	if err := w.ReceiveFromBlock(txR, blockAt(61), BestChain, 0); err != nil {
		t.Fatal(err)
	}
	mustPool(t, w, txP.TxID(), pool.Dead)
	recR, _ = w.Confidence().Get(txR.TxID())
	if recR.State() != confidence.Building {
		t.Errorf("winner state = %s, want BUILDING", recR.State())
	}
}

func TestReorgRestoresPending(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(10)
	keys.own(script)

	txA := fundingTx(10, 100_000, script)
	block10 := blockAt(10)
	if err := w.ReceiveFromBlock(txA, block10, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block10); err != nil {
		t.Fatal(err)
	}

	split := blockAt(9)
	if err := w.Reorganize(split, []BlockInfo{block10}, nil); err != nil {
		t.Fatalf("Reorganize() error = %v", err)
	}

	mustPool(t, w, txA.TxID(), pool.Pending)
	rec, _ := w.Confidence().Get(txA.TxID())
	if rec.State() != confidence.Pending || rec.Depth() != 0 {
		t.Errorf("after reorg: %s depth %d, want PENDING depth 0", rec.State(), rec.Depth())
	}
	last, ok := w.LastSeenBlock()
	if !ok || last.Hash != split.Hash {
		t.Errorf("last-seen = %v, want the split point", last.Hash)
	}
	if got := w.Balance(BalanceAvailable); got != 0 {
		t.Errorf("available = %d, want 0 while demoted", got)
	}

	// The replacement chain includes txA again at height 11.
	block11 := blockAt(11)
	if err := w.ReceiveFromBlock(txA, block11, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block11); err != nil {
		t.Fatal(err)
	}
	rec, _ = w.Confidence().Get(txA.TxID())
	if rec.State() != confidence.Building || rec.Depth() != 1 {
		t.Errorf("after re-include: %s depth %d, want BUILDING depth 1", rec.State(), rec.Depth())
	}
	mustPool(t, w, txA.TxID(), pool.Unspent)
}

func TestReorgRoundTripRestoresState(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(11)
	keys.own(script)

	txA := fundingTx(11, 42_000, script)
	blockB := blockAt(100)
	if err := w.ReceiveFromBlock(txA, blockB, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(blockB); err != nil {
		t.Fatal(err)
	}
	wantBalance := w.Balance(BalanceAvailable)

	split := blockAt(99)
	if err := w.Reorganize(split, []BlockInfo{blockB}, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Reorganize(split, nil, []ReorgBlock{{Block: blockB, Txs: []OffsetTx{{Tx: txA, Offset: 0}}}}); err != nil {
		t.Fatal(err)
	}

	if got := w.Balance(BalanceAvailable); got != wantBalance {
		t.Errorf("balance = %d, want %d restored", got, wantBalance)
	}
	mustPool(t, w, txA.TxID(), pool.Unspent)
	rec, _ := w.Confidence().Get(txA.TxID())
	if rec.State() != confidence.Building || rec.Depth() != 1 {
		t.Errorf("confidence = %s depth %d, want BUILDING depth 1", rec.State(), rec.Depth())
	}
}

func TestReorgKillsCoinbase(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(12)
	keys.own(script)

	cb := coinbaseTx(12, 50_0000_0000, script)
	block := blockAt(200)
	if err := w.ReceiveFromBlock(cb, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}

	split := blockAt(199)
	if err := w.Reorganize(split, []BlockInfo{block}, nil); err != nil {
		t.Fatal(err)
	}

	mustPool(t, w, cb.TxID(), pool.Dead)
	rec, _ := w.Confidence().Get(cb.TxID())
	if rec.State() != confidence.Dead {
		t.Errorf("reorged-out coinbase = %s, want DEAD", rec.State())
	}
	if _, ok := rec.OverridingTx(); ok {
		t.Error("a reorged-out coinbase has no overriding transaction")
	}
	if got := w.Balance(BalanceEstimated); got != 0 {
		t.Errorf("estimated = %d, want 0", got)
	}

	// The same coinbase reappearing on the best chain resurrects.
	block2 := blockAt(200 + 1000)
	if err := w.ReceiveFromBlock(cb, block2, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	kind, _ := w.Store().PoolOf(cb.TxID())
	if kind != pool.Unspent {
		t.Errorf("resurrected coinbase pool = %s, want UNSPENT", kind)
	}
	rec, _ = w.Confidence().Get(cb.TxID())
	if rec.State() != confidence.Building {
		t.Errorf("resurrected coinbase = %s, want BUILDING", rec.State())
	}
}

func TestCoinbaseMaturityGatesAvailable(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(13)
	keys.own(script)

	cb := coinbaseTx(13, 25_0000_0000, script)
	block := blockAt(300)
	if err := w.ReceiveFromBlock(cb, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}

	if got := w.Balance(BalanceAvailable); got != 0 {
		t.Errorf("available = %d, want 0 for immature coinbase", got)
	}
	if got := w.Balance(BalanceEstimated); got != 25_0000_0000 {
		t.Errorf("estimated = %d, want the coinbase value", got)
	}

	for i := 0; i < 99; i++ {
		if err := w.NotifyNewBestBlock(blockAt(301 + uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := w.Confidence().Get(cb.TxID())
	if rec.Depth() != 100 {
		t.Fatalf("depth = %d, want 100", rec.Depth())
	}
	if got := w.Balance(BalanceAvailable); got != 25_0000_0000 {
		t.Errorf("available = %d, want the matured coinbase value", got)
	}
}

func TestNotifySameBlockTwiceIsNoOp(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(14)
	keys.own(script)

	tx := fundingTx(14, 10_000, script)
	block := blockAt(400)
	if err := w.ReceiveFromBlock(tx, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}

	rec, _ := w.Confidence().Get(tx.TxID())
	if rec.Depth() != 1 {
		t.Errorf("depth = %d, want 1 (repeat notification ignored)", rec.Depth())
	}
}

func TestSideChainStaysPending(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(15)
	keys.own(script)

	tx := fundingTx(15, 20_000, script)
	if err := w.ReceiveFromBlock(tx, blockAt(500), SideChain, 0); err != nil {
		t.Fatal(err)
	}

	mustPool(t, w, tx.TxID(), pool.Pending)
	rec, _ := w.Confidence().Get(tx.TxID())
	if rec.State() != confidence.Pending {
		t.Errorf("side-chain tx = %s, want PENDING", rec.State())
	}
	if len(rec.AppearedIn()) != 1 {
		t.Error("side-chain appearance should be recorded")
	}
}

func TestListenerReceivesEvents(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(16)
	keys.own(script)

	var events []Event
	id := w.Subscribe(SameThreadExecutor, func(ev Event) {
		events = append(events, ev)
	})
	defer w.Unsubscribe(id)

	tx := fundingTx(16, 30_000, script)
	if err := w.Commit(tx); err != nil {
		t.Fatal(err)
	}

	var sawCoins bool
	for _, ev := range events {
		if ev.Kind == CoinsReceived && ev.TxID == tx.TxID() && ev.ValueToMe == 30_000 {
			sawCoins = true
		}
	}
	if !sawCoins {
		t.Errorf("expected a CoinsReceived event, got %v", events)
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(17)
	keys.own(script)

	var caught bool
	w.SetUncaughtExceptionHandler(func(Event, interface{}) { caught = true })
	w.Subscribe(SameThreadExecutor, func(Event) { panic("listener bug") })

	if err := w.Commit(fundingTx(17, 1_000, script)); err != nil {
		t.Fatalf("a panicking listener must not fail the mutation: %v", err)
	}
	if !caught {
		t.Error("panic should reach the uncaught-exception handler")
	}
}

func TestPutDuplicateIsConsistencyError(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(18)
	keys.own(script)

	tx := fundingTx(18, 5_000, script)
	if err := w.Store().Put(pool.Pending, tx); err != nil {
		t.Fatal(err)
	}
	err := w.Store().Put(pool.Unspent, tx)
	if err == nil {
		t.Fatal("duplicate Put must fail")
	}
	if _, ok := err.(*pool.ConsistencyError); !ok {
		t.Errorf("error type = %T, want *pool.ConsistencyError", err)
	}
}

func TestEstimatedNeverBelowAvailable(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(19)
	keys.own(script)

	// One confirmed, one pending coin.
	fund := fundingTx(19, 10_000, script)
	block := blockAt(600)
	if err := w.ReceiveFromBlock(fund, block, BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(fundingTx(20, 7_000, script)); err != nil {
		t.Fatal(err)
	}

	available := w.Balance(BalanceAvailable)
	estimated := w.Balance(BalanceEstimated)
	if estimated < available {
		t.Errorf("estimated %d < available %d", estimated, available)
	}
	if available != 10_000 || estimated != 17_000 {
		t.Errorf("available/estimated = %d/%d, want 10000/17000", available, estimated)
	}
}

func TestResetClearsEverything(t *testing.T) {
	w, keys := newTestWallet(t)
	script := ownedScript(21)
	keys.own(script)

	if err := w.Commit(fundingTx(21, 9_000, script)); err != nil {
		t.Fatal(err)
	}
	w.Reset()

	if got := w.Balance(BalanceEstimated); got != 0 {
		t.Errorf("estimated = %d after reset, want 0", got)
	}
	if len(w.Store().All()) != 0 {
		t.Error("no transactions should remain after reset")
	}
	if _, ok := w.LastSeenBlock(); ok {
		t.Error("last-seen should be unset after reset")
	}
}
