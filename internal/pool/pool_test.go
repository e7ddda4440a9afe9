package pool

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

func simpleTx(tag byte, value int64) txgraph.Tx {
	prev := txgraph.NewOutPoint(chainhash.HashH([]byte{tag}), 0)
	out, _ := txgraph.NewOutput(value, []byte{0x00, 0x14, tag})
	return txgraph.New(2, []txgraph.Input{txgraph.NewInput(prev, 0xffffffff)}, []txgraph.Output{out}, 0)
}

func TestPutAndPoolOf(t *testing.T) {
	s := NewStore()
	tx := simpleTx(1, 1000)

	if err := s.Put(Pending, tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	kind, ok := s.PoolOf(tx.TxID())
	if !ok || kind != Pending {
		t.Errorf("PoolOf = %s/%v, want PENDING/true", kind, ok)
	}
	if !s.IsTracked(tx.TxID()) {
		t.Error("tx should be tracked")
	}
}

func TestPutDuplicateFails(t *testing.T) {
	s := NewStore()
	tx := simpleTx(2, 1000)

	if err := s.Put(Pending, tx); err != nil {
		t.Fatal(err)
	}
	err := s.Put(Unspent, tx)
	if err == nil {
		t.Fatal("second Put must fail")
	}
	if _, ok := err.(*ConsistencyError); !ok {
		t.Errorf("error type = %T, want *ConsistencyError", err)
	}
}

func TestMove(t *testing.T) {
	s := NewStore()
	tx := simpleTx(3, 1000)
	if err := s.Put(Pending, tx); err != nil {
		t.Fatal(err)
	}

	if err := s.Move(tx.TxID(), Pending, Unspent); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	kind, _ := s.PoolOf(tx.TxID())
	if kind != Unspent {
		t.Errorf("pool = %s, want UNSPENT", kind)
	}

	// Wrong from-pool is a consistency error.
	if err := s.Move(tx.TxID(), Pending, Dead); err == nil {
		t.Error("Move with wrong from-pool must fail")
	}
	// Untracked id is a consistency error.
	if err := s.Move(chainhash.Hash{0xff}, Pending, Dead); err == nil {
		t.Error("Move of untracked tx must fail")
	}
}

func TestConnectRecordsSpentBy(t *testing.T) {
	s := NewStore()
	parent := simpleTx(4, 5000)
	if err := s.Put(Unspent, parent); err != nil {
		t.Fatal(err)
	}
	op := txgraph.NewOutPoint(parent.TxID(), 0)
	s.MarkAvailable(op)

	spender := chainhash.HashH([]byte("spender"))
	if err := s.Connect(spender, 0, op); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	gotSpender, gotIdx, ok := s.SpentBy(op)
	if !ok || gotSpender != spender || gotIdx != 0 {
		t.Errorf("SpentBy = %v/%d/%v", gotSpender, gotIdx, ok)
	}
	// The connected output left my-unspents, and its fully-spent parent
	// moved to SPENT.
	if len(s.MyUnspents()) != 0 {
		t.Error("connected output should leave my-unspents")
	}
	kind, _ := s.PoolOf(parent.TxID())
	if kind != Spent {
		t.Errorf("parent pool = %s, want SPENT", kind)
	}
}

func TestConnectConflictAborts(t *testing.T) {
	s := NewStore()
	parent := simpleTx(5, 5000)
	if err := s.Put(Unspent, parent); err != nil {
		t.Fatal(err)
	}
	op := txgraph.NewOutPoint(parent.TxID(), 0)

	first := chainhash.HashH([]byte("first"))
	second := chainhash.HashH([]byte("second"))
	if err := s.Connect(first, 0, op); err != nil {
		t.Fatal(err)
	}

	// Re-connect by the same input is idempotent.
	if err := s.Connect(first, 0, op); err != nil {
		t.Errorf("idempotent re-connect should succeed, got %v", err)
	}
	// A different spender aborts, never overwrites.
	if err := s.Connect(second, 0, op); err == nil {
		t.Fatal("conflicting connect must fail")
	}
	gotSpender, _, _ := s.ConflictingSpender(op)
	if gotSpender != first {
		t.Error("original connection must survive a conflicting attempt")
	}
}

func TestDisconnectRestoresAvailability(t *testing.T) {
	s := NewStore()
	parent := simpleTx(6, 5000)
	if err := s.Put(Unspent, parent); err != nil {
		t.Fatal(err)
	}
	op := txgraph.NewOutPoint(parent.TxID(), 0)
	s.MarkAvailable(op)

	spender := chainhash.HashH([]byte("spender6"))
	if err := s.Connect(spender, 0, op); err != nil {
		t.Fatal(err)
	}

	s.Disconnect(op, true)

	if _, _, ok := s.SpentBy(op); ok {
		t.Error("spent-by should be cleared")
	}
	if len(s.MyUnspents()) != 1 {
		t.Error("owned output should return to my-unspents")
	}
	// The parent was demoted to SPENT on connect; disconnect brings it back.
	kind, _ := s.PoolOf(parent.TxID())
	if kind != Unspent {
		t.Errorf("parent pool = %s, want UNSPENT after disconnect", kind)
	}
}

func TestRemoveRefusesConnectedOutputs(t *testing.T) {
	s := NewStore()
	parent := simpleTx(7, 5000)
	if err := s.Put(Pending, parent); err != nil {
		t.Fatal(err)
	}
	op := txgraph.NewOutPoint(parent.TxID(), 0)
	if err := s.Connect(chainhash.HashH([]byte("spender7")), 0, op); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(parent.TxID()); err == nil {
		t.Fatal("Remove of a tx with connected outputs must fail")
	}

	s.Disconnect(op, false)
	if err := s.Remove(parent.TxID()); err != nil {
		t.Fatalf("Remove after disconnect error = %v", err)
	}
	if s.IsTracked(parent.TxID()) {
		t.Error("removed tx should not be tracked")
	}
}

func TestCheckConsistencyCatchesViolations(t *testing.T) {
	s := NewStore()
	tx := simpleTx(8, 1000)
	if err := s.Put(Unspent, tx); err != nil {
		t.Fatal(err)
	}

	// UNSPENT with no available output is a violation.
	if err := s.CheckConsistency(); err == nil {
		t.Error("UNSPENT tx without available output should fail consistency")
	}

	s.MarkAvailable(txgraph.NewOutPoint(tx.TxID(), 0))
	if err := s.CheckConsistency(); err != nil {
		t.Errorf("consistent store reported: %v", err)
	}
}

func TestRiskRingEviction(t *testing.T) {
	ring := NewRiskRing(3)
	txs := make([]txgraph.Tx, 5)
	for i := range txs {
		txs[i] = simpleTx(byte(100+i), int64(1000+i))
		ring.Add(txs[i])
	}

	if ring.Len() != 3 {
		t.Fatalf("len = %d, want 3", ring.Len())
	}
	// Eldest two evicted.
	if ring.Contains(txs[0].TxID().String()) || ring.Contains(txs[1].TxID().String()) {
		t.Error("eldest entries should be evicted")
	}
	if !ring.Contains(txs[4].TxID().String()) {
		t.Error("newest entry should remain")
	}

	all := ring.All()
	if len(all) != 3 || all[0].TxID() != txs[2].TxID() {
		t.Error("All should return remaining entries eldest first")
	}

	ring.Remove(txs[3].TxID().String())
	if ring.Contains(txs[3].TxID().String()) || ring.Len() != 2 {
		t.Error("Remove should drop the entry")
	}
}

func TestRiskRingDuplicateAdd(t *testing.T) {
	ring := NewRiskRing(2)
	tx := simpleTx(120, 1)
	ring.Add(tx)
	ring.Add(tx)
	if ring.Len() != 1 {
		t.Errorf("len = %d, want 1 (duplicate ignored)", ring.Len())
	}
}
