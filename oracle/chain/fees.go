package chain

import (
	"fmt"
	"math"

	sdk "github.com/cosmos/cosmos-sdk/types"
)

// ParseGasPrice parses a single DecCoin such as "10uallo" or "0.025uallo".
func ParseGasPrice(s string) (sdk.DecCoin, error) {
	price, err := sdk.ParseDecCoin(s)
	if err != nil {
		return sdk.DecCoin{}, fmt.Errorf("invalid gas price %q: %w", s, err)
	}
	return price, nil
}

// ComputeFee is ceil(price * gasLimit) in the price denom.
func ComputeFee(price sdk.DecCoin, gasLimit uint64) sdk.Coins {
	amount := price.Amount.MulInt64(int64(gasLimit)).Ceil().TruncateInt()
	return sdk.NewCoins(sdk.NewCoin(price.Denom, amount))
}

// AdjustGas scales a simulated gas amount by adjustment, rounding up.
func AdjustGas(simulated uint64, adjustment float64) uint64 {
	if adjustment <= 0 {
		adjustment = 1
	}
	return uint64(math.Ceil(float64(simulated) * adjustment))
}
