// Package txgraph provides the immutable transaction/input/output graph
// primitives the wallet core builds on: transactions, inputs, outputs and
// outpoints. Connecting an input to a specific output, and the spent-by
// back-references, are kept by internal/pool through outpoint lookup,
// never by owning pointer, so the graph never forms a reference cycle.
package txgraph

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OutPoint identifies a specific output across the ledger: a transaction id
// and an output index. Equality is at the protocol level - two inputs citing
// the same outpoint refer to the same output, regardless of whether either
// has a resolved connection.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// NewOutPoint constructs an OutPoint.
func NewOutPoint(hash chainhash.Hash, index uint32) OutPoint {
	return OutPoint{Hash: hash, Index: index}
}

// String renders the outpoint as "txid:index".
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash.String(), o.Index)
}
