// Package predictor is the HTTP adapter for the external fraud-probability
// model. The model is advisory: its output never feeds back into the rule
// score, and a failed or rejected call degrades the assessment rather than
// failing it.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/txsentry/internal/circuitbreaker"
	"github.com/mbd888/txsentry/internal/metrics"
	"github.com/mbd888/txsentry/internal/risk"
)

var (
	// ErrUnavailable means the predictor could not be reached or the circuit
	// breaker rejected the call.
	ErrUnavailable = errors.New("predictor unavailable")
	// ErrBadResponse means the predictor answered but the payload was
	// malformed or out of range.
	ErrBadResponse = errors.New("predictor returned invalid response")
)

// FeatureVector is the flat numeric payload the model expects. Field names
// match the model's training schema and must not change without retraining.
type FeatureVector struct {
	TxValueEth      float64 `json:"tx_value_eth"`
	GasPriceGwei    float64 `json:"gas_price_gwei"`
	TimeSinceLastTx float64 `json:"time_since_last_tx"`
	NumTxPerAddress float64 `json:"num_transactions_per_address"`
	AccountAgeDays  float64 `json:"account_age_days"`
	GasFeeRatio     float64 `json:"gas_fee_ratio"`
}

// Prediction is the model's verdict for one transaction.
type Prediction struct {
	// Probability is the fraud probability in [0, 1].
	Probability float64 `json:"fraud_probability"`
	// IsFraud is the model's binary verdict at its own decision threshold.
	IsFraud bool `json:"is_fraud"`
}

// FeaturesFrom derives the model feature vector from a normalized record and
// its gathered signals. Ratio features guard against division by zero.
func FeaturesFrom(rec *risk.TransactionRecord, sig risk.SignalSet) FeatureVector {
	valueEth, _ := rec.ValueEth().Float64()
	gasGwei, _ := rec.GasPriceGwei().Float64()

	fv := FeatureVector{
		TxValueEth:      valueEth,
		GasPriceGwei:    gasGwei,
		TimeSinceLastTx: rec.AgeHours,
		NumTxPerAddress: float64(sig.SenderTxCount),
		AccountAgeDays:  rec.AgeHours / 24,
	}
	if valueEth > 0 {
		fv.GasFeeRatio = gasGwei / (valueEth * 1e9)
	}
	return fv
}

// Client calls the external prediction service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a predictor client for the service at baseURL. An empty baseURL
// returns nil, meaning predictions are disabled.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("predictor", 5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Predict sends the feature vector to the model and returns its verdict.
// Returns ErrUnavailable when the circuit is open or the service is down,
// and ErrBadResponse when the payload fails validation.
func (c *Client) Predict(ctx context.Context, fv FeatureVector) (*Prediction, error) {
	if !c.breaker.Allow() {
		metrics.PredictorRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	timer := prometheus.NewTimer(metrics.PredictorRequestDuration)
	pred, err := c.predict(ctx, fv)
	timer.ObserveDuration()

	if err != nil {
		c.breaker.RecordFailure()
		metrics.PredictorRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	c.breaker.RecordSuccess()
	metrics.PredictorRequestsTotal.WithLabelValues("ok").Inc()
	return pred, nil
}

func (c *Client) predict(ctx context.Context, fv FeatureVector) (*Prediction, error) {
	body, err := json.Marshal(fv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if pred.Probability < 0 || pred.Probability > 1 {
		return nil, fmt.Errorf("%w: probability %f outside [0, 1]",
			ErrBadResponse, pred.Probability)
	}

	return &pred, nil
}
