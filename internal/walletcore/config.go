package walletcore

import "time"

// Config collects the wallet-level policy knobs. All fields have working
// defaults; a zero Config is usable.
type Config struct {
	// EventHorizon is the BUILDING depth past which a transaction's
	// broadcast-peer set is cleared - deep enough that "who relayed this"
	// stops being interesting. Zero uses the default of 10.
	EventHorizon uint32 `yaml:"event_horizon"`

	// CoinbaseMaturity is the depth a coinbase output must reach before it
	// is eligible for spending. Zero uses the mainnet consensus value of 100.
	CoinbaseMaturity uint32 `yaml:"coinbase_maturity"`

	// FeePerKb is the default fee rate (satoshis per 1000 vbytes) for sends
	// that don't specify one. Zero uses 1000.
	FeePerKb int64 `yaml:"fee_per_kb"`

	// MinRelayFeeRate feeds the dust threshold. Zero uses 1000.
	MinRelayFeeRate int64 `yaml:"min_relay_fee_rate"`

	// AcceptRisky commits transactions the risk analyzer flags instead of
	// diverting them to the risk ring.
	AcceptRisky bool `yaml:"accept_risky"`

	// KeyRotationTime: keys created before this instant are rotating and
	// their funds get swept to fresh keys. No code in this module reads the
	// field: internal/keyrotation takes its cutoff from its caller.
	KeyRotationTime time.Time `yaml:"key_rotation_time"`

	// AutosaveDelay is the debounce applied to scheduled saves. Zero uses
	// one second.
	AutosaveDelay time.Duration `yaml:"autosave_delay"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills every zero field with its documented default.
func (c Config) WithDefaults() Config {
	if c.EventHorizon == 0 {
		c.EventHorizon = 10
	}
	if c.CoinbaseMaturity == 0 {
		c.CoinbaseMaturity = 100
	}
	if c.FeePerKb == 0 {
		c.FeePerKb = 1000
	}
	if c.MinRelayFeeRate == 0 {
		c.MinRelayFeeRate = 1000
	}
	if c.AutosaveDelay == 0 {
		c.AutosaveDelay = time.Second
	}
	return c
}
