package gateway

import "github.com/shopspring/decimal"

// minorPerMajor is the factor between ledger amounts and gateway amounts
var minorPerMajor = decimal.NewFromInt(100)

// ToMinorUnits converts a ledger amount to the gateway's integer unit
func ToMinorUnits(major decimal.Decimal) int64 {
	return major.Mul(minorPerMajor).Round(0).IntPart()
}

// ToMajorUnits converts a gateway amount back to ledger units
func ToMajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
