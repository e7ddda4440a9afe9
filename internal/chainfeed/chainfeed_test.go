package chainfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/spvwallet/internal/walletcore"
)

type recordingSink struct {
	mu     sync.Mutex
	blocks []walletcore.BlockInfo
	ch     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan struct{}, 16)}
}

func (s *recordingSink) NotifyNewBestBlock(block walletcore.BlockInfo) error {
	s.mu.Lock()
	s.blocks = append(s.blocks, block)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func (s *recordingSink) seen() []walletcore.BlockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]walletcore.BlockInfo(nil), s.blocks...)
}

// feedServer upgrades the connection, checks the subscription request, and
// plays the given raw messages.
func feedServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var want struct {
			Action string   `json:"action"`
			Data   []string `json:"data"`
		}
		if err := json.Unmarshal(raw, &want); err != nil || want.Action != "want" {
			t.Errorf("unexpected subscribe message: %s", raw)
			return
		}

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedDeliversBlocks(t *testing.T) {
	srv := feedServer(t, []string{
		`{"block":{"id":"000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f","height":800001,"timestamp":1700000100}}`,
	})
	defer srv.Close()

	sink := newRecordingSink()
	feed := New(wsURL(srv), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for block notification")
	}

	blocks := sink.seen()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Height != 800001 {
		t.Errorf("height = %d, want 800001", blocks[0].Height)
	}
	if blocks[0].Hash.String() != "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f" {
		t.Errorf("hash = %s", blocks[0].Hash)
	}
	if blocks[0].Time.Unix() != 1700000100 {
		t.Errorf("time = %d, want 1700000100", blocks[0].Time.Unix())
	}
}

func TestFeedUsesNewestFromBacklog(t *testing.T) {
	srv := feedServer(t, []string{
		`{"blocks":[
			{"id":"000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f","height":799999,"timestamp":1700000000},
			{"id":"00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054","height":800000,"timestamp":1700000060}
		]}`,
	})
	defer srv.Close()

	sink := newRecordingSink()
	feed := New(wsURL(srv), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for block notification")
	}

	blocks := sink.seen()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 (only the newest from the backlog)", len(blocks))
	}
	if blocks[0].Height != 800000 {
		t.Errorf("height = %d, want 800000", blocks[0].Height)
	}
}

func TestFeedIgnoresUnrelatedMessages(t *testing.T) {
	srv := feedServer(t, []string{
		`{"mempoolInfo":{"size":12345}}`,
		`{"block":{"id":"00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054","height":800002,"timestamp":1700000200}}`,
	})
	defer srv.Close()

	sink := newRecordingSink()
	feed := New(wsURL(srv), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for block notification")
	}

	blocks := sink.seen()
	if len(blocks) != 1 || blocks[0].Height != 800002 {
		t.Fatalf("expected exactly the real block, got %v", blocks)
	}
}
