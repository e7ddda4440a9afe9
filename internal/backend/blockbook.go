package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BlockbookBackend implements Backend using Trezor's Blockbook API.
// Blockbook reports amounts as decimal strings and wraps some results in
// envelope objects, so most of this file is translation.
// API docs: https://github.com/trezor/blockbook/blob/master/docs/api.md
type BlockbookBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewBlockbookBackend creates a new Blockbook backend.
// baseURL should be like "https://btc1.trezor.io/api/v2"
func NewBlockbookBackend(baseURL string) *BlockbookBackend {
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &BlockbookBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeBlockbook.
func (b *BlockbookBackend) Type() Type {
	return TypeBlockbook
}

// Connect tests the connection via the status endpoint.
func (b *BlockbookBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var status struct {
		Blockbook struct {
			BestHeight int64 `json:"bestHeight"`
		} `json:"blockbook"`
	}
	if err := b.get(ctx, "", nil, &status); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	b.connected = true
	return nil
}

// Close closes the connection.
func (b *BlockbookBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// IsConnected returns true if connected.
func (b *BlockbookBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// GetAddressInfo returns address balance and tx count.
func (b *BlockbookBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var result struct {
		Address            string `json:"address"`
		Balance            string `json:"balance"`
		UnconfirmedBalance string `json:"unconfirmedBalance"`
		TxCount            int64  `json:"txs"`
		UnconfirmedTxs     int64  `json:"unconfirmedTxs"`
	}

	if err := b.get(ctx, "/address/"+address, ErrAddressNotFound, &result); err != nil {
		return nil, err
	}

	balance := parseSatoshis(result.Balance)
	unconfirmed := parseSatoshisSigned(result.UnconfirmedBalance)

	return &AddressInfo{
		Address:        result.Address,
		TxCount:        result.TxCount,
		Balance:        balance,
		MempoolBalance: unconfirmed,
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (b *BlockbookBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID          string `json:"txid"`
		Vout          uint32 `json:"vout"`
		Value         string `json:"value"`
		Height        int64  `json:"height"`
		Confirmations int64  `json:"confirmations"`
	}

	if err := b.get(ctx, "/utxo/"+address, ErrAddressNotFound, &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        parseSatoshis(u.Value),
			BlockHeight:   u.Height,
			Confirmations: u.Confirmations,
		}
	}

	return utxos, nil
}

// GetAddressTxs returns transactions for an address.
func (b *BlockbookBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "?details=txs"
	if lastSeenTxID != "" {
		endpoint += "&from=" + lastSeenTxID
	}

	var result struct {
		Transactions []blockbookTx `json:"transactions"`
	}

	if err := b.get(ctx, endpoint, ErrAddressNotFound, &result); err != nil {
		return nil, err
	}

	return b.convertTxs(result.Transactions), nil
}

// GetTransaction returns a transaction by ID.
func (b *BlockbookBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result blockbookTx

	if err := b.get(ctx, "/tx/"+txID, ErrTxNotFound, &result); err != nil {
		return nil, err
	}

	txs := b.convertTxs([]blockbookTx{result})
	if len(txs) == 0 {
		return nil, ErrTxNotFound
	}

	return &txs[0], nil
}

// GetRawTransaction returns raw transaction hex.
func (b *BlockbookBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	var result struct {
		Hex string `json:"hex"`
	}

	if err := b.get(ctx, "/tx/"+txID, ErrTxNotFound, &result); err != nil {
		return nil, err
	}
	// Some instances omit the hex field for transactions outside their
	// index window; an empty body is a miss, not a zero-byte transaction.
	if result.Hex == "" {
		return nil, ErrTxNotFound
	}

	return []byte(result.Hex), nil
}

// BroadcastTransaction broadcasts a raw transaction. Blockbook reports
// rejection inside a 200 response, so the error envelope is checked too.
func (b *BlockbookBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var result struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := b.get(ctx, "/sendtx/"+rawTxHex, ErrInvalidTx, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, result.Error.Message)
	}
	if result.Result == "" {
		return "", fmt.Errorf("%w: empty txid in response", ErrBroadcastFailed)
	}

	return result.Result, nil
}

// GetBlockHeight returns the current block height.
func (b *BlockbookBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var result struct {
		Blockbook struct {
			BestHeight int64 `json:"bestHeight"`
		} `json:"blockbook"`
	}

	if err := b.get(ctx, "", nil, &result); err != nil {
		return 0, err
	}

	return result.Blockbook.BestHeight, nil
}

// GetTipHash returns the hash of the current best chain tip.
func (b *BlockbookBackend) GetTipHash(ctx context.Context) (string, error) {
	var result struct {
		Backend struct {
			BestBlockHash string `json:"bestBlockHash"`
		} `json:"backend"`
	}

	if err := b.get(ctx, "", nil, &result); err != nil {
		return "", err
	}
	return result.Backend.BestBlockHash, nil
}

// GetBlockHashAtHeight returns the hash of the best-chain block at height.
func (b *BlockbookBackend) GetBlockHashAtHeight(ctx context.Context, height int64) (string, error) {
	var result struct {
		BlockHash string `json:"blockHash"`
	}

	if err := b.get(ctx, fmt.Sprintf("/block-index/%d", height), ErrTxNotFound, &result); err != nil {
		return "", err
	}
	return result.BlockHash, nil
}

// GetBlockHeader returns block header info.
func (b *BlockbookBackend) GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error) {
	var result struct {
		Hash          string  `json:"hash"`
		Height        int64   `json:"height"`
		PreviousHash  string  `json:"previousBlockHash"`
		Time          int64   `json:"time"`
		TxCount       int64   `json:"txCount"`
		Confirmations int64   `json:"confirmations"`
		Difficulty    float64 `json:"difficulty"`
	}

	if err := b.get(ctx, "/block/"+hashOrHeight, ErrTxNotFound, &result); err != nil {
		return nil, err
	}

	return &BlockHeader{
		Hash:         result.Hash,
		Height:       result.Height,
		PreviousHash: result.PreviousHash,
		Timestamp:    result.Time,
		TxCount:      result.TxCount,
		Difficulty:   result.Difficulty,
	}, nil
}

// GetFeeEstimates returns fee estimates.
func (b *BlockbookBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result struct {
		Result string `json:"result"`
	}

	estimates := &FeeEstimate{MinimumFee: 1}

	// Blockbook serves /estimatefee/{blocks} in BTC/kB; convert to sat/vB.
	if err := b.get(ctx, "/estimatefee/1", nil, &result); err == nil {
		estimates.FastestFee = btcKBToSatVB(result.Result)
	}

	if err := b.get(ctx, "/estimatefee/3", nil, &result); err == nil {
		estimates.HalfHourFee = btcKBToSatVB(result.Result)
	}

	if err := b.get(ctx, "/estimatefee/6", nil, &result); err == nil {
		estimates.HourFee = btcKBToSatVB(result.Result)
	}

	if err := b.get(ctx, "/estimatefee/144", nil, &result); err == nil {
		estimates.EconomyFee = btcKBToSatVB(result.Result)
	}

	return estimates, nil
}

// get performs a GET request and decodes a JSON response. notFound is the
// sentinel a 404 maps to (nil for endpoints that always exist).
func (b *BlockbookBackend) get(ctx context.Context, path string, notFound error, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		return notFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// blockbookTx is Blockbook's transaction format.
type blockbookTx struct {
	TxID          string `json:"txid"`
	Version       int32  `json:"version"`
	LockTime      uint32 `json:"lockTime"`
	Size          int64  `json:"size"`
	VSize         int64  `json:"vsize"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockHash"`
	BlockHeight   int64  `json:"blockHeight"`
	BlockTime     int64  `json:"blockTime"`
	Confirmations int64  `json:"confirmations"`
	Fees          string `json:"fees"`
	Vin           []struct {
		TxID      string   `json:"txid"`
		Vout      uint32   `json:"vout"`
		Sequence  uint32   `json:"sequence"`
		Addresses []string `json:"addresses"`
		Value     string   `json:"value"`
	} `json:"vin"`
	Vout []struct {
		Value     string   `json:"value"`
		N         uint32   `json:"n"`
		Addresses []string `json:"addresses"`
		Hex       string   `json:"hex"`
	} `json:"vout"`
}

// convertTxs converts Blockbook transactions to our format.
func (b *BlockbookBackend) convertTxs(bbTxs []blockbookTx) []Transaction {
	txs := make([]Transaction, len(bbTxs))
	for i, bt := range bbTxs {
		tx := Transaction{
			TxID:          bt.TxID,
			Version:       bt.Version,
			LockTime:      bt.LockTime,
			Size:          bt.Size,
			VSize:         bt.VSize,
			Hex:           bt.Hex,
			BlockHash:     bt.BlockHash,
			BlockHeight:   bt.BlockHeight,
			BlockTime:     bt.BlockTime,
			Confirmations: bt.Confirmations,
			Confirmed:     bt.Confirmations > 0,
			Fee:           parseSatoshis(bt.Fees),
			Inputs:        make([]TxInput, len(bt.Vin)),
			Outputs:       make([]TxOutput, len(bt.Vout)),
		}

		for j, vin := range bt.Vin {
			addr := ""
			if len(vin.Addresses) > 0 {
				addr = vin.Addresses[0]
			}
			tx.Inputs[j] = TxInput{
				TxID:     vin.TxID,
				Vout:     vin.Vout,
				Sequence: vin.Sequence,
				PrevOut: &TxOutput{
					ScriptPubKeyAddr: addr,
					Value:            parseSatoshis(vin.Value),
				},
			}
		}

		for j, vout := range bt.Vout {
			addr := ""
			if len(vout.Addresses) > 0 {
				addr = vout.Addresses[0]
			}
			tx.Outputs[j] = TxOutput{
				ScriptPubKey:     vout.Hex,
				ScriptPubKeyAddr: addr,
				Value:            parseSatoshis(vout.Value),
			}
		}

		txs[i] = tx
	}
	return txs
}

// parseSatoshis parses Blockbook's decimal-string satoshi amounts. A
// malformed or empty string parses as zero - amounts here only feed
// display/scan paths, never signing.
func parseSatoshis(s string) uint64 {
	amount, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return amount
}

// parseSatoshisSigned parses an amount that may be negative (unconfirmed
// deltas).
func parseSatoshisSigned(s string) int64 {
	amount, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return amount
}

// btcKBToSatVB converts a BTC/kB fee string to sat/vB, flooring at the
// 1 sat/vB relay minimum.
func btcKBToSatVB(s string) uint64 {
	btcPerKB, err := strconv.ParseFloat(s, 64)
	if err != nil || btcPerKB <= 0 {
		return 1
	}
	// 1e8 sat/BTC over 1000 bytes/kB.
	satVB := uint64(btcPerKB * 1e8 / 1000)
	if satVB == 0 {
		return 1
	}
	return satVB
}

// Ensure BlockbookBackend implements Backend
var _ Backend = (*BlockbookBackend)(nil)
