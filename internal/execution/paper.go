package execution

import (
	"math"

	"github.com/google/uuid"
)

// Dry-run fills. Nothing is signed or sent: the fill is the live quote's
// output reduced by a simulated slippage, so dry-run P/L tracks what the
// aggregator would actually have paid.

// paperFill applies slippageBps of adverse slippage to a quoted output.
func paperFill(quotedOut uint64, slippageBps float64) uint64 {
	if slippageBps <= 0 {
		return quotedOut
	}
	factor := 1 - slippageBps/10_000
	if factor <= 0 {
		return 0
	}
	return uint64(math.Floor(float64(quotedOut) * factor))
}

// paperSignature returns a placeholder transaction id for a simulated swap.
func paperSignature() string {
	return "dry-run-" + uuid.New().String()[:8]
}
