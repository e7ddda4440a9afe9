// Package backend provides Bitcoin blockchain API clients for fetching
// chain data and broadcasting transactions. This package never sees
// private keys - all signing happens in the wallet packages.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool   Type = "mempool"   // mempool.space API
	TypeEsplora   Type = "esplora"   // blockstream.info API
	TypeElectrum  Type = "electrum"  // Electrum protocol
	TypeBlockbook Type = "blockbook" // Trezor Blockbook
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // satoshis
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction as the API reports it.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"` // Virtual size (for SegWit)
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
	Hex           string     `json:"hex,omitempty"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID         string    `json:"txid"`
	Vout         uint32    `json:"vout"`
	ScriptSig    string    `json:"scriptsig,omitempty"`
	ScriptSigAsm string    `json:"scriptsig_asm,omitempty"`
	Witness      []string  `json:"witness,omitempty"`
	Sequence     uint32    `json:"sequence"`
	PrevOut      *TxOutput `json:"prevout,omitempty"` // Previous output being spent
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAsm  string `json:"scriptpubkey_asm,omitempty"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// AddressInfo contains address balance and transaction info.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	FundedTxCount  int64  `json:"funded_txo_count"`
	SpentTxCount   int64  `json:"spent_txo_count"`
	FundedSum      uint64 `json:"funded_txo_sum"`
	SpentSum       uint64 `json:"spent_txo_sum"`
	Balance        uint64 `json:"balance"`         // confirmed
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// BlockHeader contains block header info.
type BlockHeader struct {
	Hash         string  `json:"hash"`
	Height       int64   `json:"height"`
	Version      int32   `json:"version"`
	PreviousHash string  `json:"previousblockhash"`
	MerkleRoot   string  `json:"merkle_root"`
	Timestamp    int64   `json:"timestamp"`
	Bits         uint32  `json:"bits"`
	Nonce        uint32  `json:"nonce"`
	Difficulty   float64 `json:"difficulty"`
	TxCount      int64   `json:"tx_count"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for blockchain data providers.
// All methods are read-only except BroadcastTransaction.
type Backend interface {
	// Type returns the backend type (mempool, esplora, etc.)
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	// Address operations
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	// Transaction operations
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// Block operations
	GetBlockHeight(ctx context.Context) (int64, error)
	GetTipHash(ctx context.Context) (string, error)
	GetBlockHashAtHeight(ctx context.Context, height int64) (string, error)
	GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error)

	// Fee estimation
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// For Electrum
	Servers []string `yaml:"servers,omitempty"`
	UseTLS  bool     `yaml:"use_tls,omitempty"`

	// Optional settings. Timeout (seconds) is not read by New; every
	// client uses a fixed 30-second timeout.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() *Config {
	return &Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/testnet4/api",
	}
}

// New constructs a Backend from its configuration for the given network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	url := cfg.MainnetURL
	if network == chain.Testnet {
		url = cfg.TestnetURL
	}
	switch cfg.Type {
	case TypeMempool:
		return NewMempoolBackend(url), nil
	case TypeEsplora:
		return NewEsploraBackend(url), nil
	case TypeBlockbook:
		return NewBlockbookBackend(url), nil
	case TypeElectrum:
		return NewElectrumBackend(cfg.Servers, cfg.UseTLS, network), nil
	default:
		return nil, ErrUnsupportedBackend
	}
}

// Failover wraps an ordered list of backends: Connect picks the first one
// that answers, and every call goes to the active backend, falling through
// to the next on a connection-class failure. API providers rate-limit and
// disappear often enough that a single-provider wallet strands its user.
type Failover struct {
	mu       sync.Mutex
	backends []Backend
	active   int
}

// NewFailover builds a Failover over the given backends, in preference
// order.
func NewFailover(backends ...Backend) *Failover {
	return &Failover{backends: backends}
}

// Type returns the active backend's type.
func (f *Failover) Type() Type {
	b := f.current()
	if b == nil {
		return ""
	}
	return b.Type()
}

func (f *Failover) current() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return nil
	}
	return f.backends[f.active]
}

// advance moves to the next backend after a connection-class failure and
// reports whether there was one to move to.
func (f *Failover) advance() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active+1 >= len(f.backends) {
		return false
	}
	f.active++
	return true
}

// Connect connects the first responsive backend, in order.
func (f *Failover) Connect(ctx context.Context) error {
	f.mu.Lock()
	backends := f.backends
	f.mu.Unlock()

	var lastErr error = ErrNotConnected
	for i, b := range backends {
		if err := b.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		f.mu.Lock()
		f.active = i
		f.mu.Unlock()
		return nil
	}
	return lastErr
}

// Close closes every backend.
func (f *Failover) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.backends {
		b.Close()
	}
	return nil
}

// IsConnected reports whether the active backend is connected.
func (f *Failover) IsConnected() bool {
	b := f.current()
	return b != nil && b.IsConnected()
}

// retriable reports whether an error is worth failing over for: transport
// trouble or throttling, not a definitive answer like "tx not found".
func retriable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRateLimited)
}

func (f *Failover) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		info, err := b.GetAddressInfo(ctx, address)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return info, err
	}
}

func (f *Failover) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		utxos, err := b.GetAddressUTXOs(ctx, address)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return utxos, err
	}
}

func (f *Failover) GetAddressTxs(ctx context.Context, address, lastSeenTxID string) ([]Transaction, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		txs, err := b.GetAddressTxs(ctx, address, lastSeenTxID)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return txs, err
	}
}

func (f *Failover) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		tx, err := b.GetTransaction(ctx, txID)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return tx, err
	}
}

func (f *Failover) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		raw, err := b.GetRawTransaction(ctx, txID)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return raw, err
	}
}

func (f *Failover) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	for {
		b := f.current()
		if b == nil {
			return "", ErrNotConnected
		}
		txid, err := b.BroadcastTransaction(ctx, rawTxHex)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return txid, err
	}
}

func (f *Failover) GetBlockHeight(ctx context.Context) (int64, error) {
	for {
		b := f.current()
		if b == nil {
			return 0, ErrNotConnected
		}
		h, err := b.GetBlockHeight(ctx)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return h, err
	}
}

func (f *Failover) GetTipHash(ctx context.Context) (string, error) {
	for {
		b := f.current()
		if b == nil {
			return "", ErrNotConnected
		}
		hash, err := b.GetTipHash(ctx)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return hash, err
	}
}

func (f *Failover) GetBlockHashAtHeight(ctx context.Context, height int64) (string, error) {
	for {
		b := f.current()
		if b == nil {
			return "", ErrNotConnected
		}
		hash, err := b.GetBlockHashAtHeight(ctx, height)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return hash, err
	}
}

func (f *Failover) GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		header, err := b.GetBlockHeader(ctx, hashOrHeight)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return header, err
	}
}

func (f *Failover) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	for {
		b := f.current()
		if b == nil {
			return nil, ErrNotConnected
		}
		fees, err := b.GetFeeEstimates(ctx)
		if err != nil && retriable(err) && f.advance() {
			continue
		}
		return fees, err
	}
}

// Ensure Failover implements Backend
var _ Backend = (*Failover)(nil)
