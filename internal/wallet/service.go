// Package wallet provides the wallet service: lifecycle (create, load,
// lock), the HD key chain backing internal/keychain, and the wiring that
// connects the state machine, classifier, transaction builder and
// persistence into one usable wallet.
package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/backend"
	"github.com/klingon-exchange/spvwallet/internal/broadcast"
	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/classifier"
	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txbuilder"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
	"github.com/klingon-exchange/spvwallet/internal/walletstore"
	"github.com/klingon-exchange/spvwallet/pkg/helpers"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// Service manages wallet operations and lifecycle.
type Service struct {
	mu sync.RWMutex

	dataDir string
	network chain.Network
	cfg     walletcore.Config
	logger  *logging.Logger

	store   *walletstore.Store
	backend backend.Backend

	// Set while unlocked.
	keys       *HDKeyChain
	core       *walletcore.Wallet
	table      *confidence.Table
	classifier *classifier.Classifier
	builder    *txbuilder.Builder
	saver      *walletstore.Autosaver
	caster     broadcast.Broadcaster
}

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	DataDir string
	Network chain.Network
	Core    walletcore.Config
	Backend backend.Backend
	Logger  *logging.Logger
}

// NewService creates a new wallet service. The persistent store is opened
// immediately; key material stays locked until CreateWallet or LoadWallet.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	store, err := walletstore.New(&walletstore.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}

	return &Service{
		dataDir: dataDir,
		network: network,
		cfg:     cfg.Core.WithDefaults(),
		logger:  logger.Component("wallet"),
		store:   store,
		backend: cfg.Backend,
	}, nil
}

// keyChainGroupRecord is the plaintext inside the encrypted key-chain-group
// blob: everything needed to rebuild the HD key chain.
type keyChainGroupRecord struct {
	Mnemonic   string            `json:"mnemonic"`
	Passphrase string            `json:"passphrase,omitempty"`
	Scheme     string            `json:"scheme"`
	ScriptType chain.AddressType `json:"script_type"`
	Account    uint32            `json:"account"`
	CreatedAt  int64             `json:"created_at"`
}

// GenerateMnemonic generates a new 24-word mnemonic.
func (s *Service) GenerateMnemonic() (string, error) {
	return GenerateMnemonic()
}

// ValidateMnemonic checks if a mnemonic is valid.
func (s *Service) ValidateMnemonic(mnemonic string) bool {
	return ValidateMnemonic(mnemonic)
}

// CreateWallet creates a new wallet from a mnemonic, encrypts the
// key-chain-group record under password, persists it, and unlocks.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidateMnemonic(mnemonic) {
		return fmt.Errorf("invalid mnemonic")
	}
	if s.keys != nil {
		return fmt.Errorf("wallet already unlocked")
	}
	if _, exists, err := s.store.LoadKeyChainGroup(); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("wallet already exists in %s", s.dataDir)
	}

	record := keyChainGroupRecord{
		Mnemonic:   mnemonic,
		Passphrase: passphrase,
		Scheme:     keychain.BIP43.String(),
		ScriptType: chain.ParamsFor(s.network).DefaultAddressType,
		Account:    0,
		CreatedAt:  time.Now().Unix(),
	}
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal key-chain-group: %w", err)
	}
	defer SecureClear(plaintext)

	encrypted, err := EncryptKeyChainGroup(plaintext, password)
	if err != nil {
		return err
	}
	blob, err := encrypted.Marshal()
	if err != nil {
		return err
	}
	if err := s.store.SaveKeyChainGroup(blob); err != nil {
		return fmt.Errorf("persist key-chain-group: %w", err)
	}
	if err := s.store.SetMeta("network", string(s.network)); err != nil {
		return err
	}
	if err := s.store.SetMeta("version", "1"); err != nil {
		return err
	}

	return s.unlockLocked(record)
}

// LoadWallet decrypts the stored key-chain-group with password and unlocks
// the wallet, restoring the persisted transaction state.
func (s *Service) LoadWallet(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys != nil {
		return nil // already unlocked
	}

	blob, exists, err := s.store.LoadKeyChainGroup()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no wallet found in %s", s.dataDir)
	}

	encrypted, err := UnmarshalEncryptedKeyChainGroup(blob)
	if err != nil {
		return err
	}
	plaintext, err := DecryptKeyChainGroup(encrypted, password)
	if err != nil {
		return err
	}
	defer SecureClear(plaintext)

	var record keyChainGroupRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return fmt.Errorf("parse key-chain-group: %w", err)
	}

	if err := s.unlockLocked(record); err != nil {
		return err
	}

	snap, err := s.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load wallet snapshot: %w", err)
	}
	if len(snap.Txs) > 0 || snap.LastSeen.Valid {
		if err := walletstore.Restore(s.core, snap); err != nil {
			return fmt.Errorf("restore wallet snapshot: %w", err)
		}
	}
	return nil
}

// unlockLocked builds the full in-memory wallet from a key-chain-group
// record. Caller holds s.mu.
func (s *Service) unlockLocked(record keyChainGroupRecord) error {
	seed, err := SeedFromMnemonic(record.Mnemonic, record.Passphrase)
	if err != nil {
		return err
	}
	defer SecureClear(seed)

	scheme := keychain.BIP43
	if record.Scheme == keychain.BIP32.String() {
		scheme = keychain.BIP32
	}
	createdAt := time.Unix(record.CreatedAt, 0)

	keys, err := NewHDKeyChain(seed, s.network, scheme, record.ScriptType, record.Account, createdAt)
	if err != nil {
		return fmt.Errorf("derive key chain: %w", err)
	}
	keys.SetLogger(s.logger)

	table := confidence.NewTable(s.cfg.EventHorizon)
	core := walletcore.NewWallet(keys, table, s.cfg, s.logger)

	saver := walletstore.NewAutosaver(func() error {
		snap, err := walletstore.Capture(core)
		if err != nil {
			return err
		}
		return s.store.SaveSnapshot(snap)
	}, s.cfg.AutosaveDelay, func(err error) {
		s.logger.Error("autosave failed", "error", err)
	})
	core.SetSaver(saver)

	cls := classifier.New(core.Store(), keys, classifier.NewStandardAnalyzer(), core, s.logger)
	cls.SetAcceptRisky(s.cfg.AcceptRisky)

	s.keys = keys
	s.core = core
	s.table = table
	s.classifier = cls
	s.builder = txbuilder.NewBuilder(core, core.Store(), keys, core)
	s.saver = saver
	if s.backend != nil {
		s.caster = broadcast.SyncFunc(s.broadcastRaw)
	}

	s.logger.Info("wallet unlocked", "network", s.network, "account", keys.AccountPath())
	return nil
}

// IsUnlocked reports whether key material is available.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys != nil
}

// HasWallet reports whether a wallet exists in the data directory.
func (s *Service) HasWallet() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists, err := s.store.LoadKeyChainGroup()
	return err == nil && exists
}

// Lock flushes state and drops key material and the in-memory wallet.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saver != nil {
		if err := s.saver.SaveNow(); err != nil {
			s.logger.Error("final save on lock failed", "error", err)
		}
		s.saver.Stop()
	}
	s.keys = nil
	s.core = nil
	s.table = nil
	s.classifier = nil
	s.builder = nil
	s.saver = nil
	s.caster = nil
}

// Network returns the configured network.
func (s *Service) Network() chain.Network {
	return s.network
}

// Core returns the wallet state machine, or nil while locked.
func (s *Service) Core() *walletcore.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core
}

// Classifier returns the inbound-transaction classifier, or nil while
// locked.
func (s *Service) Classifier() *classifier.Classifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier
}

// Keychain returns the key chain, or nil while locked.
func (s *Service) Keychain() *HDKeyChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// ReceiveAddress returns the current (not yet used) receive address.
func (s *Service) ReceiveAddress() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return "", fmt.Errorf("wallet is locked")
	}
	addr, _, err := s.keys.CurrentAddress(false)
	return addr, err
}

// FreshReceiveAddress advances the external chain and returns a new
// address.
func (s *Service) FreshReceiveAddress() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return "", fmt.Errorf("wallet is locked")
	}
	addr, _, err := s.keys.FreshAddress(false)
	return addr, err
}

// Balance returns the requested balance in satoshis.
func (s *Service) Balance(kind walletcore.BalanceKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.core == nil {
		return 0, fmt.Errorf("wallet is locked")
	}
	return s.core.Balance(kind), nil
}

// Send builds, signs, commits and broadcasts a payment of amount satoshis
// to address, at feePerKb (satoshis per 1000 vbytes; 0 uses the configured
// default).
func (s *Service) Send(ctx context.Context, address string, amount int64, feePerKb int64) (txgraph.Tx, error) {
	s.mu.RLock()
	builder := s.builder
	caster := s.caster
	core := s.core
	s.mu.RUnlock()
	if builder == nil {
		return txgraph.Tx{}, fmt.Errorf("wallet is locked")
	}

	script, err := AddressToScript(address, chain.ParamsFor(s.network))
	if err != nil {
		return txgraph.Tx{}, err
	}
	out, err := txgraph.NewOutput(amount, script)
	if err != nil {
		return txgraph.Tx{}, err
	}
	if feePerKb == 0 {
		feePerKb = s.cfg.FeePerKb
	}

	result, err := builder.Build(txbuilder.SpendRequest{
		Outputs:         []txgraph.Output{out},
		FeePerKb:        feePerKb,
		MinRelayFeeRate: s.cfg.MinRelayFeeRate,
	})
	if err != nil {
		return txgraph.Tx{}, err
	}

	s.broadcastCommitted(ctx, core, caster, result.Tx)
	return result.Tx, nil
}

// SendEverything empties the wallet to address: one output worth every
// spendable coin minus the fee.
func (s *Service) SendEverything(ctx context.Context, address string, feePerKb int64) (txgraph.Tx, error) {
	s.mu.RLock()
	builder := s.builder
	caster := s.caster
	core := s.core
	s.mu.RUnlock()
	if builder == nil {
		return txgraph.Tx{}, fmt.Errorf("wallet is locked")
	}

	script, err := AddressToScript(address, chain.ParamsFor(s.network))
	if err != nil {
		return txgraph.Tx{}, err
	}
	if feePerKb == 0 {
		feePerKb = s.cfg.FeePerKb
	}

	result, err := builder.Build(txbuilder.SpendRequest{
		Outputs:         []txgraph.Output{{ScriptPubKey: script}},
		FeePerKb:        feePerKb,
		MinRelayFeeRate: s.cfg.MinRelayFeeRate,
		EmptyWallet:     true,
	})
	if err != nil {
		return txgraph.Tx{}, err
	}

	s.broadcastCommitted(ctx, core, caster, result.Tx)
	return result.Tx, nil
}

// broadcastCommitted hands a committed transaction to the network layer.
// A broadcast failure is logged, not returned: the transaction stays
// PENDING and is retried when connectivity returns.
func (s *Service) broadcastCommitted(ctx context.Context, core *walletcore.Wallet, caster broadcast.Broadcaster, tx txgraph.Tx) {
	if caster == nil || core == nil {
		return
	}
	if _, err := caster.Broadcast(tx); err != nil {
		s.logger.Warn("broadcast failed, transaction stays pending", "txid", tx.TxID().String(), "error", err)
		return
	}
	// One peer has accepted it; that is what makes self-originated change
	// spendable before confirmation.
	core.Confidence().MarkSeenBy(tx.TxID(), string(s.backend.Type()))
}

// RebroadcastPending re-sends every pending transaction, for reconnection.
func (s *Service) RebroadcastPending(ctx context.Context) {
	s.mu.RLock()
	core := s.core
	caster := s.caster
	s.mu.RUnlock()
	if core == nil || caster == nil {
		return
	}
	for _, tx := range core.Store().InPool(pool.Pending) {
		s.broadcastCommitted(ctx, core, caster, tx)
	}
}

// broadcastRaw adapts the backend's hex-based broadcast call to the
// Broadcaster capability.
func (s *Service) broadcastRaw(tx txgraph.Tx) error {
	raw, err := txgraph.Serialize(tx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = s.backend.BroadcastTransaction(ctx, hex.EncodeToString(raw))
	return err
}

// CatchUp scans the key chain's address window against the backend and
// replays everything found into the wallet: confirmed transactions through
// the block path (oldest block first), unconfirmed ones through the
// classifier, then the current tip as the best-block signal.
func (s *Service) CatchUp(ctx context.Context) error {
	s.mu.RLock()
	core := s.core
	cls := s.classifier
	keys := s.keys
	s.mu.RUnlock()
	if core == nil {
		return fmt.Errorf("wallet is locked")
	}
	if s.backend == nil {
		return fmt.Errorf("no backend configured")
	}

	type confirmedHit struct {
		raw       []byte
		blockHash string
		height    int64
		blockTime int64
	}
	var confirmed []confirmedHit
	var pendingRaw [][]byte
	seen := make(map[string]bool)

	for _, change := range []uint32{0, 1} {
		for idx := uint32(0); idx < DefaultLookahead; idx++ {
			addr, err := keys.AddressAt(change, idx)
			if err != nil {
				return err
			}
			txs, err := s.backend.GetAddressTxs(ctx, addr, "")
			if err != nil {
				return fmt.Errorf("scan %s: %w", addr, err)
			}
			for _, tx := range txs {
				if seen[tx.TxID] {
					continue
				}
				seen[tx.TxID] = true
				rawHex, err := s.backend.GetRawTransaction(ctx, tx.TxID)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", tx.TxID, err)
				}
				raw, err := helpers.HexToBytes(string(rawHex))
				if err != nil {
					return fmt.Errorf("decode %s: %w", tx.TxID, err)
				}
				if tx.Confirmed && tx.BlockHash != "" {
					confirmed = append(confirmed, confirmedHit{
						raw:       raw,
						blockHash: tx.BlockHash,
						height:    tx.BlockHeight,
						blockTime: tx.BlockTime,
					})
				} else {
					pendingRaw = append(pendingRaw, raw)
				}
			}
		}
	}

	sort.SliceStable(confirmed, func(i, j int) bool { return confirmed[i].height < confirmed[j].height })

	offsets := make(map[string]int)
	for _, hit := range confirmed {
		tx, err := txgraph.Deserialize(hit.raw)
		if err != nil {
			return err
		}
		blockHash, err := chainhash.NewHashFromStr(hit.blockHash)
		if err != nil {
			return err
		}
		block := walletcore.BlockInfo{
			Hash:   *blockHash,
			Height: uint32(hit.height),
			Time:   time.Unix(hit.blockTime, 0),
		}
		// The API does not expose in-block position; a stable per-block
		// counter preserves the relative order we received them in.
		offset := offsets[hit.blockHash]
		offsets[hit.blockHash] = offset + 1
		if err := core.ReceiveFromBlock(tx, block, walletcore.BestChain, offset); err != nil {
			return err
		}
	}

	for _, raw := range pendingRaw {
		tx, err := txgraph.Deserialize(raw)
		if err != nil {
			return err
		}
		if err := cls.ReceivePending(tx, nil); err != nil {
			return err
		}
	}

	return s.notifyTip(ctx, core)
}

// notifyTip fetches the current tip and delivers the best-block signal,
// which also sets every caught-up transaction's depth.
func (s *Service) notifyTip(ctx context.Context, core *walletcore.Wallet) error {
	height, err := s.backend.GetBlockHeight(ctx)
	if err != nil {
		return err
	}
	tipHash, err := s.backend.GetTipHash(ctx)
	if err != nil {
		return err
	}
	hash, err := chainhash.NewHashFromStr(tipHash)
	if err != nil {
		return err
	}
	header, err := s.backend.GetBlockHeader(ctx, tipHash)
	blockTime := time.Now()
	if err == nil && header.Timestamp > 0 {
		blockTime = time.Unix(header.Timestamp, 0)
	}
	return core.NotifyNewBestBlock(walletcore.BlockInfo{
		Hash:   *hash,
		Height: uint32(height),
		Time:   blockTime,
	})
}

// SaveNow forces a synchronous snapshot write.
func (s *Service) SaveNow() error {
	s.mu.RLock()
	saver := s.saver
	s.mu.RUnlock()
	if saver == nil {
		return nil
	}
	return saver.SaveNow()
}

// Close flushes and closes the service.
func (s *Service) Close() error {
	s.Lock()
	return s.store.Close()
}
