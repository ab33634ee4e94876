// Package validator gates proposals before real-mode execution. It enforces
// hard bounds on chains, addresses and numeric parameters; anything it
// rejects surfaces as a skipped episode with a failure artifact, never a
// crash.
package validator

import (
	"fmt"
	"math"

	"github.com/quantslab/clmmlab/episode"
)

// ValidationError reports the first hard bound a proposal violates.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validator checks proposals against the documented bounds.
type Validator struct {
	disablePoolValidation bool
}

// Option customizes a Validator.
type Option func(*Validator)

// WithPoolValidationDisabled skips the pool address well-formedness check.
// Testing escape hatch only; never set in production configuration.
func WithPoolValidationDisabled() Option {
	return func(v *Validator) { v.disablePoolValidation = true }
}

// New constructs a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, o := range opts {
		o(v)
	}
	return v
}

// connectorExecution is the only venue the pipeline knows how to drive.
const connectorExecution = "uniswap_v3_clmm"

// networks whitelists the recognized chain/network combinations.
var networks = map[string]map[string]bool{
	"ethereum":  {"mainnet": true, "sepolia": true},
	"arbitrum":  {"mainnet": true},
	"optimism":  {"mainnet": true},
	"polygon":   {"mainnet": true},
	"base":      {"mainnet": true},
	"avalanche": {"mainnet": true},
	"bsc":       {"mainnet": true},
	"solana":    {"mainnet-beta": true, "devnet": true},
}

// bound documents one numeric parameter's permitted range.
type bound struct {
	field        string
	min, max     float64
	minInclusive bool
}

var bounds = []bound{
	{field: "range_width_bps", min: 0, max: 5000},
	{field: "refresh_interval_s", min: 10, max: 3600, minInclusive: true},
	{field: "spread_bps", min: 0, max: 1000},
	{field: "order_size_usd", min: 0, max: 1e6},
	{field: "rebalance_threshold_bps", min: 0, max: 2500},
	{field: "max_position_usd", min: 0, max: 1e7},
}

// Validate enforces the hard bounds on p. It returns a *ValidationError for
// the first violation found, nil when the proposal is executable.
func (v *Validator) Validate(p episode.Proposal) error {
	if p.EpisodeID == "" {
		return &ValidationError{Field: "episode_id", Reason: "required"}
	}
	if p.Connector != connectorExecution {
		return &ValidationError{Field: "connector_execution", Reason: fmt.Sprintf("unsupported connector %q", p.Connector)}
	}
	nets, ok := networks[p.Chain]
	if !ok {
		return &ValidationError{Field: "chain", Reason: fmt.Sprintf("unrecognized chain %q", p.Chain)}
	}
	if !nets[p.Network] {
		return &ValidationError{Field: "network", Reason: fmt.Sprintf("unrecognized network %q for chain %q", p.Network, p.Chain)}
	}
	if !v.disablePoolValidation {
		if err := validatePoolAddress(p.Chain, p.PoolAddress); err != nil {
			return err
		}
	}
	return validateParams(p.Params)
}

// validatePoolAddress checks address well-formedness. EVM chains require a
// 0x-prefixed 40-hex-digit address; solana addresses are only checked for
// presence since base58 validation belongs to the gateway.
func validatePoolAddress(chain, addr string) error {
	if addr == "" {
		return &ValidationError{Field: "pool_address", Reason: "required"}
	}
	if chain == "solana" {
		return nil
	}
	if len(addr) != 42 || addr[0] != '0' || (addr[1] != 'x' && addr[1] != 'X') {
		return &ValidationError{Field: "pool_address", Reason: fmt.Sprintf("malformed EVM address %q", addr)}
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return &ValidationError{Field: "pool_address", Reason: fmt.Sprintf("malformed EVM address %q", addr)}
		}
	}
	return nil
}

func validateParams(p episode.Params) error {
	values := map[string]float64{
		"range_width_bps":         p.RangeWidthBps,
		"refresh_interval_s":      p.RefreshIntervalSec,
		"spread_bps":              p.SpreadBps,
		"order_size_usd":          p.OrderSizeUSD,
		"rebalance_threshold_bps": p.RebalanceThresholdBps,
		"max_position_usd":        p.MaxPositionUSD,
	}
	for _, b := range bounds {
		val := values[b.field]
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return &ValidationError{Field: b.field, Reason: "must be a finite number"}
		}
		if b.minInclusive {
			if val < b.min {
				return &ValidationError{Field: b.field, Reason: fmt.Sprintf("%v below minimum %v", val, b.min)}
			}
		} else if val <= b.min {
			return &ValidationError{Field: b.field, Reason: fmt.Sprintf("%v must be greater than %v", val, b.min)}
		}
		if val > b.max {
			return &ValidationError{Field: b.field, Reason: fmt.Sprintf("%v above maximum %v", val, b.max)}
		}
	}
	return nil
}
