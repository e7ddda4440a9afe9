package backend

import (
	"context"
	"sort"
	"strconv"
)

// EsploraBackend implements Backend against an Esplora instance
// (blockstream.info). Esplora shares its REST surface with mempool.space,
// so the transport embeds MempoolBackend; what differs is fee estimation:
// Esplora reports a sparse map of confirmation-target to sat/vB whose key
// set varies by instance, so each bucket is matched to the nearest
// available target instead of assuming fixed keys exist.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates returns fee estimates mapped onto the wallet's buckets:
// next block, ~30 min (3 blocks), ~1 hour (6 blocks), ~1 day (144 blocks).
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", nil, &result); err != nil {
		return nil, err
	}

	targets, rates := sortedFeeTargets(result)

	return &FeeEstimate{
		FastestFee:  nearestFeeRate(targets, rates, 1),
		HalfHourFee: nearestFeeRate(targets, rates, 3),
		HourFee:     nearestFeeRate(targets, rates, 6),
		EconomyFee:  nearestFeeRate(targets, rates, 144),
		// Esplora has no explicit relay-minimum endpoint; the deepest
		// target it reports is the closest thing to one.
		MinimumFee: floorFeeRate(targets, rates),
	}, nil
}

// sortedFeeTargets returns the map's targets as a sorted slice plus a
// target→rate map, dropping unparseable keys.
func sortedFeeTargets(estimates map[string]float64) ([]int, map[int]float64) {
	rates := make(map[int]float64, len(estimates))
	targets := make([]int, 0, len(estimates))
	for key, rate := range estimates {
		target, err := strconv.Atoi(key)
		if err != nil || target <= 0 || rate <= 0 {
			continue
		}
		rates[target] = rate
		targets = append(targets, target)
	}
	sort.Ints(targets)
	return targets, rates
}

// nearestFeeRate picks the rate at the available target closest to want,
// preferring the faster (smaller) target on a tie so the estimate errs
// toward confirming.
func nearestFeeRate(targets []int, rates map[int]float64, want int) uint64 {
	if len(targets) == 0 {
		return 1
	}
	best := targets[0]
	for _, t := range targets[1:] {
		db := best - want
		if db < 0 {
			db = -db
		}
		dt := t - want
		if dt < 0 {
			dt = -dt
		}
		if dt < db {
			best = t
		}
	}
	rate := uint64(rates[best])
	if rate == 0 {
		return 1
	}
	return rate
}

// floorFeeRate returns the rate at the deepest reported target, floored at
// the 1 sat/vB relay minimum.
func floorFeeRate(targets []int, rates map[int]float64) uint64 {
	if len(targets) == 0 {
		return 1
	}
	rate := uint64(rates[targets[len(targets)-1]])
	if rate == 0 {
		return 1
	}
	return rate
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
