package confidence

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestPendingToBuildingDepth(t *testing.T) {
	table := NewTable(10)
	txid := chainhash.Hash{1}

	table.SetPending(txid)
	r, _ := table.Get(txid)
	if r.State() != Pending {
		t.Fatalf("expected PENDING, got %s", r.State())
	}

	table.SetBuilding(txid, BlockAppearance{BlockHeight: 10}, 0)
	r, _ = table.Get(txid)
	if r.State() != Building || r.Depth() != 1 {
		t.Fatalf("expected BUILDING depth=1, got %s depth=%d", r.State(), r.Depth())
	}

	table.IncrementDepth(txid)
	r, _ = table.Get(txid)
	if r.Depth() != 2 {
		t.Fatalf("expected depth=2, got %d", r.Depth())
	}
}

func TestSuppressNextDepthIncrement(t *testing.T) {
	table := NewTable(10)
	txid := chainhash.Hash{2}
	table.SetBuilding(txid, BlockAppearance{BlockHeight: 5}, 0)
	table.SuppressNextDepthIncrement(txid)
	table.IncrementDepth(txid)

	r, _ := table.Get(txid)
	if r.Depth() != 1 {
		t.Fatalf("suppressed increment should keep depth at 1, got %d", r.Depth())
	}

	table.IncrementDepth(txid)
	r, _ = table.Get(txid)
	if r.Depth() != 2 {
		t.Fatalf("subsequent increment should apply, got %d", r.Depth())
	}
}

func TestAwaitDepthCompletesOnReach(t *testing.T) {
	table := NewTable(10)
	txid := chainhash.Hash{3}
	table.SetBuilding(txid, BlockAppearance{BlockHeight: 1}, 0)

	ch := table.AwaitDepth(txid, 3)
	select {
	case <-ch:
		t.Fatal("future should not complete before target depth")
	default:
	}

	table.IncrementDepth(txid)
	table.IncrementDepth(txid)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("future did not complete after reaching target depth")
	}
}

func TestEventHorizonClearsBroadcastSet(t *testing.T) {
	table := NewTable(2)
	txid := chainhash.Hash{4}
	table.SetBuilding(txid, BlockAppearance{BlockHeight: 1}, 0)
	table.MarkSeenBy(txid, "peerA")

	r, _ := table.Get(txid)
	if r.NumBroadcastPeers() != 1 {
		t.Fatalf("expected 1 broadcast peer, got %d", r.NumBroadcastPeers())
	}

	table.IncrementDepth(txid) // depth 2, at horizon
	r, _ = table.Get(txid)
	if r.NumBroadcastPeers() != 1 {
		t.Fatalf("depth==horizon should not yet clear, got %d", r.NumBroadcastPeers())
	}

	table.IncrementDepth(txid) // depth 3, past horizon
	r, _ = table.Get(txid)
	if r.NumBroadcastPeers() != 0 {
		t.Fatalf("expected broadcast set cleared past event horizon, got %d", r.NumBroadcastPeers())
	}
}

func TestSubtractDepthFloorsAtZero(t *testing.T) {
	table := NewTable(10)
	txid := chainhash.Hash{5}
	table.SetBuilding(txid, BlockAppearance{BlockHeight: 1}, 3)

	table.SubtractDepth(txid, 10)
	r, _ := table.Get(txid)
	if r.Depth() != 0 {
		t.Fatalf("expected depth floored at 0, got %d", r.Depth())
	}
}
