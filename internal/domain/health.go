package domain

import "github.com/shopspring/decimal"

// HealthStatus coarse classification of a collateral ratio.
type HealthStatus string

const (
	HealthSafe        HealthStatus = "safe"
	HealthHealthy     HealthStatus = "healthy"
	HealthGood        HealthStatus = "good"
	HealthWarning     HealthStatus = "warning"
	HealthDanger      HealthStatus = "danger"
	HealthLiquidation HealthStatus = "liquidation"
)

var healthBands = []struct {
	min     decimal.Decimal
	status  HealthStatus
	message string
}{
	{decimal.RequireFromString("2.0"), HealthHealthy, "position is well collateralized"},
	{decimal.RequireFromString("1.5"), HealthGood, "position is collateralized"},
	{decimal.RequireFromString("1.3"), HealthWarning, "consider adding collateral"},
	{decimal.RequireFromString("1.2"), HealthDanger, "add collateral or repay soon"},
}

// Health classifies a ratio and returns a short advisory message.
func Health(r Ratio) (HealthStatus, string) {
	if r.IsInfinite() {
		return HealthSafe, "no outstanding debt"
	}
	for _, b := range healthBands {
		if !r.LessThan(b.min) {
			return b.status, b.message
		}
	}
	return HealthLiquidation, "position is at risk of liquidation"
}
