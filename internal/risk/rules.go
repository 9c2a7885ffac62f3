package risk

import "math/big"

// Thresholds is the injectable rule configuration. Every cutoff and point
// weight lives here so tests and deployments can tune rules without code
// changes, and multiple configurations can run concurrently.
type Thresholds struct {
	// Rule cutoffs
	HighValueEth    *big.Rat // value above this triggers FlagHighValue
	GasLowGwei      *big.Rat // ladder: at or below this, no gas points
	GasModerateGwei *big.Rat // ladder: at or below this, moderate tier
	GasHighGwei     *big.Rat // ladder: at or below this, high tier; above, very high
	NewAccountTxs   uint64   // sender tx count below this triggers FlagNewAccount
	FrequentTxLogs  int      // recent log count above this triggers FlagFrequentTransactions
	OldTxAgeHours   float64  // stale penalty requires age above this...
	OldTxMinScore   float64  // ...and the running score above this

	// Point weights
	ZeroValuePoints   float64
	UnverifiedPoints  float64
	HighValuePoints   float64
	GasModeratePoints float64
	GasHighPoints     float64
	GasVeryHighPoints float64
	NewAccountPoints  float64
	FrequentTxPoints  float64
	RoundNumberPoints float64
	OldTxPoints       float64
	AgeWeightCeiling  float64 // ageWeight = max(0, ceiling - ageHours/divisor)
	AgeWeightDivisor  float64
	MaxScore          float64

	// RoundNumberEnabled turns on the optional whole-ETH-amount rule kept
	// from an earlier rule set. Off by default; the tiered gas ladder is
	// the canonical variant.
	RoundNumberEnabled bool

	// VerifiedContracts is the recipient allow-list (lowercase hex).
	// Recipients on it are exempt from FlagUnverifiedContract.
	VerifiedContracts map[string]struct{}
}

// DefaultThresholds returns the production rule configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighValueEth:    big.NewRat(3, 10), // 0.3 ETH
		GasLowGwei:      big.NewRat(10, 1),
		GasModerateGwei: big.NewRat(30, 1),
		GasHighGwei:     big.NewRat(50, 1),
		NewAccountTxs:   3,
		FrequentTxLogs:  5,
		OldTxAgeHours:   3,
		OldTxMinScore:   20,

		ZeroValuePoints:   45,
		UnverifiedPoints:  30,
		HighValuePoints:   40,
		GasModeratePoints: 15,
		GasHighPoints:     24,
		GasVeryHighPoints: 35,
		NewAccountPoints:  30,
		FrequentTxPoints:  25,
		RoundNumberPoints: 15,
		OldTxPoints:       10,
		AgeWeightCeiling:  10,
		AgeWeightDivisor:  3,
		MaxScore:          100,

		VerifiedContracts: map[string]struct{}{
			// USDT
			"0xdac17f958d2ee523a2206206994597c13d831ec7": {},
		},
	}
}

// WithVerifiedContracts replaces the recipient allow-list.
func (t Thresholds) WithVerifiedContracts(addrs []string) Thresholds {
	verified := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		verified[a] = struct{}{}
	}
	t.VerifiedContracts = verified
	return t
}

// Evaluate runs the rule ladder over one record and its signals. Pure and
// deterministic: no I/O, no clock reads, no state shared between calls.
//
// Contributions are additive so each rule's effect is independently
// auditable. The only ordering dependency is the stale-transaction penalty,
// which reads the score accumulated by the rules before it: an
// already-suspicious old transaction is worse, but age alone contributes
// only the bounded, decaying age weight.
func Evaluate(rec *TransactionRecord, sig SignalSet, th Thresholds) Assessment {
	var (
		score float64
		flags []Flag
	)

	value := rec.ValueEth()
	gasPrice := rec.GasPriceGwei()

	// 1. Zero-value transfer
	if value.Sign() == 0 {
		score += th.ZeroValuePoints
		flags = append(flags, FlagZeroValue)
	}

	// 2. Recipient present but not on the allow-list. Contract creation is
	// a distinct state and never counts as unverified.
	if !rec.IsContractCreation() {
		if _, ok := th.VerifiedContracts[rec.To]; !ok {
			score += th.UnverifiedPoints
			flags = append(flags, FlagUnverifiedContract)
		}
	}

	// 3. High value
	if value.Cmp(th.HighValueEth) > 0 {
		score += th.HighValuePoints
		flags = append(flags, FlagHighValue)
	}

	// 4. Gas-price ladder: ascending, first matching tier wins, tiers are
	// mutually exclusive.
	switch {
	case gasPrice.Cmp(th.GasLowGwei) <= 0:
		// cheap gas, no points
	case gasPrice.Cmp(th.GasModerateGwei) <= 0:
		score += th.GasModeratePoints
		flags = append(flags, FlagGasModerate)
	case gasPrice.Cmp(th.GasHighGwei) <= 0:
		score += th.GasHighPoints
		flags = append(flags, FlagGasHigh)
	default:
		score += th.GasVeryHighPoints
		flags = append(flags, FlagGasVeryHigh)
	}

	// 5. New sender account
	if sig.SenderTxCount < th.NewAccountTxs {
		score += th.NewAccountPoints
		flags = append(flags, FlagNewAccount)
	}

	// 6. Frequent recent activity
	if sig.RecentLogCount > th.FrequentTxLogs {
		score += th.FrequentTxPoints
		flags = append(flags, FlagFrequentTransactions)
	}

	// Optional: whole-ETH amounts. Zero value is already covered by rule 1.
	if th.RoundNumberEnabled && value.Sign() > 0 && value.IsInt() {
		score += th.RoundNumberPoints
		flags = append(flags, FlagRoundNumber)
	}

	// 7. Age weight, applied unconditionally: fresh transactions carry the
	// full ceiling, decaying linearly to zero.
	ageWeight := th.AgeWeightCeiling - rec.AgeHours/th.AgeWeightDivisor
	if ageWeight < 0 {
		ageWeight = 0
	}
	score += ageWeight

	// 8. Stale-transaction penalty, reading the running score so far.
	if rec.AgeHours > th.OldTxAgeHours && score > th.OldTxMinScore {
		score += th.OldTxPoints
		flags = append(flags, FlagOldTransaction)
	}

	// 9. Ceiling clamp. All contributions are non-negative, so no floor
	// clamp is needed.
	if score > th.MaxScore {
		score = th.MaxScore
	}

	return Assessment{Score: score, Flags: flags}
}
