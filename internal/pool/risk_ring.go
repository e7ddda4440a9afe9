package pool

import (
	"container/list"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// RiskRing is a bounded ring buffer of transactions the risk analyzer
// rejected. Eldest entries are evicted once the ring is full. Entries are
// not tracked in the pool store's id index - a risky transaction is not
// "tracked" for invariant purposes, only remembered so the wallet does not
// re-run risk analysis on it every time it's re-announced.
type RiskRing struct {
	capacity int
	order    *list.List // front = eldest
	byID     map[string]*list.Element
}

type riskEntry struct {
	id string
	tx txgraph.Tx
}

// NewRiskRing constructs a ring with the given capacity.
func NewRiskRing(capacity int) *RiskRing {
	return &RiskRing{capacity: capacity, order: list.New(), byID: make(map[string]*list.Element)}
}

// Add inserts tx into the ring, evicting the eldest entry if at capacity.
func (r *RiskRing) Add(tx txgraph.Tx) {
	id := tx.TxID().String()
	if _, exists := r.byID[id]; exists {
		return
	}
	if r.order.Len() >= r.capacity {
		front := r.order.Front()
		if front != nil {
			evicted := front.Value.(*riskEntry)
			delete(r.byID, evicted.id)
			r.order.Remove(front)
		}
	}
	elem := r.order.PushBack(&riskEntry{id: id, tx: tx})
	r.byID[id] = elem
}

// Contains reports whether a transaction with this txid is in the ring.
func (r *RiskRing) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Remove deletes an entry (used by cleanup once its outputs are unspent
// elsewhere, or it is explicitly accepted).
func (r *RiskRing) Remove(id string) {
	elem, ok := r.byID[id]
	if !ok {
		return
	}
	r.order.Remove(elem)
	delete(r.byID, id)
}

// Len returns the number of entries currently in the ring.
func (r *RiskRing) Len() int { return r.order.Len() }

// All returns every transaction currently in the ring, eldest first.
func (r *RiskRing) All() []txgraph.Tx {
	out := make([]txgraph.Tx, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*riskEntry).tx)
	}
	return out
}
