// Package chainfeed bridges a mempool.space-style websocket feed to the
// wallet's block callbacks. The wallet core only consumes a "block seen"
// signal; this is the smallest thing that produces one in real time,
// without running a header chain of our own.
package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/spvwallet/internal/walletcore"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// Sink receives the block-seen signal. *walletcore.Wallet satisfies this.
type Sink interface {
	NotifyNewBestBlock(block walletcore.BlockInfo) error
}

// Feed is a long-lived websocket subscription to new best-chain blocks.
type Feed struct {
	url    string
	sink   Sink
	logger *logging.Logger

	dialer *websocket.Dialer

	// reconnectDelay is the backoff between connection attempts.
	reconnectDelay time.Duration
}

// New builds a Feed against wsURL (e.g. "wss://mempool.space/api/v1/ws").
func New(wsURL string, sink Sink, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Feed{
		url:            wsURL,
		sink:           sink,
		logger:         logger.Component("chainfeed"),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
	}
}

// wantBlocks is the subscription request the server expects.
type wantBlocks struct {
	Action string   `json:"action"`
	Data   []string `json:"data"`
}

// feedBlock is the block shape the feed pushes.
type feedBlock struct {
	ID        string `json:"id"`
	Height    uint32 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// feedMessage is the superset of messages we care about: a single new
// block, or the initial backlog of recent blocks sent on subscribe.
type feedMessage struct {
	Block  *feedBlock  `json:"block"`
	Blocks []feedBlock `json:"blocks"`
}

// Run connects, subscribes and pumps block notifications into the sink
// until ctx is cancelled, reconnecting with a fixed delay on any transport
// failure. Errors from the sink are fatal: they mean the wallet rejected a
// state transition, which a reconnect will not fix.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			if _, fatal := err.(*sinkError); fatal {
				return err
			}
			f.logger.Warn("feed connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

type sinkError struct{ cause error }

func (e *sinkError) Error() string { return fmt.Sprintf("chainfeed: sink rejected block: %v", e.cause) }
func (e *sinkError) Unwrap() error { return e.cause }

func (f *Feed) runOnce(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("chainfeed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	// Close the connection when ctx fires so the blocked ReadMessage
	// returns promptly.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(wantBlocks{Action: "want", Data: []string{"blocks"}}); err != nil {
		return fmt.Errorf("chainfeed: subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("chainfeed: read: %w", err)
		}
		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Debug("skipping unparseable feed message", "error", err)
			continue
		}
		if msg.Block != nil {
			if err := f.deliver(*msg.Block); err != nil {
				return err
			}
		}
		// The initial backlog arrives oldest-first; only the newest block
		// matters for the "seen" signal.
		if len(msg.Blocks) > 0 {
			if err := f.deliver(msg.Blocks[len(msg.Blocks)-1]); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) deliver(b feedBlock) error {
	hash, err := chainhash.NewHashFromStr(b.ID)
	if err != nil {
		f.logger.Warn("feed sent malformed block hash", "hash", b.ID)
		return nil
	}
	info := walletcore.BlockInfo{
		Hash:   *hash,
		Height: b.Height,
		Time:   time.Unix(b.Timestamp, 0),
	}
	f.logger.Debug("new best block", "height", b.Height, "hash", b.ID)
	if err := f.sink.NotifyNewBestBlock(info); err != nil {
		return &sinkError{cause: err}
	}
	return nil
}
