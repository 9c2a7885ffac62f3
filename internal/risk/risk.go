// Package risk implements rule-based fraud scoring for single transactions.
//
// A normalized TransactionRecord plus a SignalSet of sender-history signals
// is evaluated against a fixed set of additive rules. Each rule contributes
// a non-negative number of points and possibly a named flag; the total is
// clamped to [0, 100]. Scoring is pure and stateless; the same inputs
// always produce the same score and flags.
package risk

import (
	"context"
	"encoding/json"
	"math/big"
	"time"
)

// ContractCreation is the recipient sentinel for transactions that deploy a
// contract. It is a distinct, valid state; never treated as an unverified
// recipient.
const ContractCreation = "contract-creation"

// Flag identifies a single triggered risk rule.
type Flag string

const (
	FlagZeroValue            Flag = "zero_value"
	FlagUnverifiedContract   Flag = "unverified_contract"
	FlagHighValue            Flag = "high_value"
	FlagGasModerate          Flag = "gas_moderate"
	FlagGasHigh              Flag = "gas_high"
	FlagGasVeryHigh          Flag = "gas_very_high"
	FlagNewAccount           Flag = "new_account"
	FlagFrequentTransactions Flag = "frequent_transactions"
	FlagRoundNumber          Flag = "round_number"
	FlagOldTransaction       Flag = "old_transaction"
)

// Fixed-point scales for on-chain base units.
const (
	WeiPerEth  = 18 // value: wei -> ETH
	WeiPerGwei = 9  // gas price: wei -> Gwei
)

var (
	ethScale  = new(big.Int).Exp(big.NewInt(10), big.NewInt(WeiPerEth), nil)
	gweiScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(WeiPerGwei), nil)
)

// TransactionRecord is the canonical, immutable view of one transaction.
// Monetary fields stay big-integer scaled so threshold comparisons are exact;
// binary floats would misround near rule boundaries.
type TransactionRecord struct {
	Hash        string   // 0x + 64 hex chars
	From        string   // lowercase hex
	To          string   // lowercase hex, or ContractCreation
	ValueWei    *big.Int // non-negative
	GasPriceWei *big.Int // non-negative
	Timestamp   int64    // block timestamp, seconds since epoch
	AgeHours    float64  // (now - Timestamp)/3600, clamped to >= 0
}

// ValueEth returns the transfer value in ETH as an exact rational.
func (r *TransactionRecord) ValueEth() *big.Rat {
	return new(big.Rat).SetFrac(r.ValueWei, ethScale)
}

// GasPriceGwei returns the gas price in Gwei as an exact rational.
func (r *TransactionRecord) GasPriceGwei() *big.Rat {
	return new(big.Rat).SetFrac(r.GasPriceWei, gweiScale)
}

// IsContractCreation reports whether the transaction deploys a contract.
func (r *TransactionRecord) IsContractCreation() bool {
	return r.To == ContractCreation
}

// MarshalJSON renders monetary fields as fixed-point decimal strings.
func (r *TransactionRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Hash         string  `json:"hash"`
		From         string  `json:"from"`
		To           string  `json:"to"`
		ValueEth     string  `json:"valueEth"`
		GasPriceGwei string  `json:"gasPriceGwei"`
		Timestamp    int64   `json:"timestamp"`
		AgeHours     float64 `json:"ageHours"`
	}{
		Hash:         r.Hash,
		From:         r.From,
		To:           r.To,
		ValueEth:     r.ValueEth().FloatString(6),
		GasPriceGwei: r.GasPriceGwei().FloatString(6),
		Timestamp:    r.Timestamp,
		AgeHours:     r.AgeHours,
	})
}

// SignalSet carries the sender-history signals used by the evaluator.
// One SignalSet is gathered per scoring call and discarded afterwards.
type SignalSet struct {
	SenderTxCount  uint64 `json:"senderTxCount"`  // total txs ever sent by From
	RecentLogCount int    `json:"recentLogCount"` // logs for From in the signal window
}

// Assessment is the rule evaluator's output: the clamped score and the
// flags in rule-evaluation order.
type Assessment struct {
	Score float64
	Flags []Flag
}

// HasFlag reports whether the assessment triggered the given flag.
func (a Assessment) HasFlag(f Flag) bool {
	for _, got := range a.Flags {
		if got == f {
			return true
		}
	}
	return false
}

// Result is the final answer returned to callers. RuleScore and
// ExternalProbability are reported separately; one is a deterministic
// heuristic, the other a learned probability, and averaging them would hide
// which subsystem drove a decision. IsFraudVerdict originates from the
// predictor alone and defaults to false when it is unavailable.
type Result struct {
	Hash                string             `json:"hash"`
	RuleScore           float64            `json:"ruleScore"`
	ExternalProbability *float64           `json:"externalProbability"` // 0-100, nil when predictor unavailable
	IsFraudVerdict      bool               `json:"isFraud"`
	Flags               []Flag             `json:"flags"`
	Record              *TransactionRecord `json:"record,omitempty"`
	EvaluatedAt         time.Time          `json:"evaluatedAt"`
}

// Store persists completed assessments for audit. Writes are best-effort
// and never on the scoring hot path.
type Store interface {
	Record(ctx context.Context, res *Result) error
	ListByAddress(ctx context.Context, from string, limit int) ([]*Result, error)
}
