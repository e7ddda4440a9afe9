package walletstore

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetMeta("version", "1"); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	if err := s.SetMeta("version", "2"); err != nil {
		t.Fatalf("SetMeta() upsert error = %v", err)
	}

	v, ok, err := s.GetMeta("version")
	if err != nil || !ok {
		t.Fatalf("GetMeta() = %v, %v, %v", v, ok, err)
	}
	if v != "2" {
		t.Errorf("value = %q, want 2 (latest write wins)", v)
	}

	if _, ok, _ := s.GetMeta("missing"); ok {
		t.Error("missing key should not be found")
	}
}

func TestKeyChainGroupRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LoadKeyChainGroup(); ok || err != nil {
		t.Fatalf("empty store should have no blob (ok=%v err=%v)", ok, err)
	}

	blob := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := s.SaveKeyChainGroup(blob); err != nil {
		t.Fatalf("SaveKeyChainGroup() error = %v", err)
	}

	got, ok, err := s.LoadKeyChainGroup()
	if err != nil || !ok {
		t.Fatalf("LoadKeyChainGroup() error = %v, ok = %v", err, ok)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %x, want %x", got, blob)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Unix(1700000000, 0)
	snap := Snapshot{
		Txs: []TxRecord{
			{TxID: "aa", Pool: "UNSPENT", Raw: []byte{1, 2, 3}, SelfOriginated: false, UpdatedAt: now},
			{TxID: "bb", Pool: "PENDING", Raw: []byte{4, 5}, SelfOriginated: true, UpdatedAt: now},
		},
		Appearances: []Appearance{
			{TxID: "aa", BlockHash: "ff", BlockHeight: 10, Offset: 3},
		},
		LastSeen: LastSeen{BlockHash: "ff", BlockHeight: 10, BlockTime: now, Valid: true},
	}

	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got.Txs) != 2 {
		t.Fatalf("got %d txs, want 2", len(got.Txs))
	}
	byID := map[string]TxRecord{}
	for _, rec := range got.Txs {
		byID[rec.TxID] = rec
	}
	if rec := byID["bb"]; !rec.SelfOriginated || rec.Pool != "PENDING" {
		t.Errorf("bb = %+v, want self-originated PENDING", rec)
	}
	if rec := byID["aa"]; rec.UpdatedAt.Unix() != now.Unix() {
		t.Errorf("aa updated_at = %v, want %v", rec.UpdatedAt, now)
	}
	if len(got.Appearances) != 1 || got.Appearances[0].Offset != 3 {
		t.Errorf("appearances = %+v", got.Appearances)
	}
	if !got.LastSeen.Valid || got.LastSeen.BlockHeight != 10 {
		t.Errorf("last seen = %+v", got.LastSeen)
	}
}

func TestSnapshotReplacesPriorState(t *testing.T) {
	s := newTestStore(t)

	first := Snapshot{Txs: []TxRecord{{TxID: "aa", Pool: "PENDING", Raw: []byte{1}}}}
	if err := s.SaveSnapshot(first); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	second := Snapshot{Txs: []TxRecord{{TxID: "bb", Pool: "UNSPENT", Raw: []byte{2}}}}
	if err := s.SaveSnapshot(second); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got.Txs) != 1 || got.Txs[0].TxID != "bb" {
		t.Errorf("snapshot should fully replace prior state, got %+v", got.Txs)
	}
}

func TestEmptySnapshotLoad(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got.Txs) != 0 || got.LastSeen.Valid {
		t.Errorf("fresh store should load empty, got %+v", got)
	}
}

func TestAutosaverDebounce(t *testing.T) {
	var saves atomic.Int32
	a := NewAutosaver(func() error {
		saves.Add(1)
		return nil
	}, 50*time.Millisecond, nil)
	defer a.Stop()

	// A burst of schedules coalesces into one save.
	for i := 0; i < 10; i++ {
		a.ScheduleSave()
	}
	time.Sleep(200 * time.Millisecond)
	if got := saves.Load(); got != 1 {
		t.Errorf("saves = %d, want 1 (debounced)", got)
	}
}

func TestAutosaverSaveNowPreempts(t *testing.T) {
	var saves atomic.Int32
	a := NewAutosaver(func() error {
		saves.Add(1)
		return nil
	}, time.Hour, nil)
	defer a.Stop()

	a.ScheduleSave()
	if err := a.SaveNow(); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}
	if got := saves.Load(); got != 1 {
		t.Errorf("saves = %d, want exactly 1 synchronous save", got)
	}

	// The debounced save was cancelled; nothing else fires.
	time.Sleep(100 * time.Millisecond)
	if got := saves.Load(); got != 1 {
		t.Errorf("saves = %d after wait, want still 1", got)
	}
}

func TestAutosaverStop(t *testing.T) {
	var saves atomic.Int32
	a := NewAutosaver(func() error {
		saves.Add(1)
		return nil
	}, 10*time.Millisecond, nil)

	a.ScheduleSave()
	a.Stop()
	time.Sleep(50 * time.Millisecond)
	if got := saves.Load(); got != 0 {
		t.Errorf("saves = %d, want 0 after Stop", got)
	}
}
