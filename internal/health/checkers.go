package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/txsentry/internal/circuitbreaker"
)

// BlockNumberer is the slice of the chain client needed for the RPC check.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DatabaseChecker pings the audit database.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// RPCChecker verifies the Ethereum RPC endpoint answers a head-block query.
func RPCChecker(client BlockNumberer) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		head, err := client.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "rpc", Healthy: true, Detail: fmt.Sprintf("head block %d", head)}
	}
}

// PredictorChecker reports the predictor circuit breaker state. The predictor
// is advisory, so an open circuit is surfaced in the detail but never marks
// the service unhealthy.
func PredictorChecker(b *circuitbreaker.Breaker) Checker {
	return func(_ context.Context) Status {
		return Status{
			Name:    "predictor",
			Healthy: true,
			Detail:  b.State().String(),
		}
	}
}
