package validation

import (
	"context"
	"math/big"

	"github.com/strom-network/strom/lib"
)

/* This file implements the gas-cost simulation step: an order that cannot cover its own
   estimated execution cost is invalidated, not parked */

// GasEstimator is the opaque simulation capability supplied by the chain collaborator
type GasEstimator interface {
	// EstimateGas() returns the estimated execution cost of settling the order
	EstimateGas(ctx context.Context, order lib.Order) (*big.Int, lib.ErrorI)
}

// checkGas() runs the estimate with the configured headroom against the order's gas ceiling
// An estimate above the ceiling is a terminal rejection for this attempt
func checkGas(ctx context.Context, estimator GasEstimator, order lib.Order, maxGas *big.Int, headroomPct int) (*big.Int, lib.ErrorI) {
	estimate, err := estimator.EstimateGas(ctx, order)
	if err != nil {
		return nil, err
	}
	// pad the estimate, simulation undershoots live execution
	padded := new(big.Int).Mul(estimate, big.NewInt(int64(100+headroomPct)))
	padded.Div(padded, big.NewInt(100))
	if padded.Cmp(maxGas) > 0 {
		return nil, ErrGasBeyondOrder(padded.String(), maxGas.String())
	}
	return padded, nil
}
