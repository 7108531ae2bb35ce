package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// perpPriceDecimals is the exchange's max decimal budget for perp prices;
// an asset may use perpPriceDecimals - szDecimals places.
const perpPriceDecimals = 6

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// SlippagePrice moves mid by slippage in the aggressive direction and rounds
// it to five significant figures within the asset's decimal budget.
func SlippagePrice(mid float64, isBuy bool, slippage float64, szDecimals int) float64 {
	if mid <= 0 {
		return 0
	}
	px := mid * (1 - slippage)
	if isBuy {
		px = mid * (1 + slippage)
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64); err == nil {
		px = sig
	}
	decimals := perpPriceDecimals - szDecimals
	if decimals < 0 {
		decimals = 0
	}
	return roundTo(px, decimals)
}

// RoundSize truncates size to the asset's size decimals.
func RoundSize(size float64, szDecimals int) float64 {
	if szDecimals <= 0 {
		return math.Floor(size)
	}
	factor := math.Pow10(szDecimals)
	return math.Floor(size*factor+1e-9) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
