package util

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney renders a minor-unit amount as "CUR 123.45". Providers hand
// us integer cents, so this stays exact instead of dividing floats.
func FormatMoney(amountMinor int64, currency string) string {
	if currency == "" {
		currency = "usd"
	}
	v := decimal.NewFromInt(amountMinor).Div(decimal.NewFromInt(100))
	return strings.ToUpper(currency) + " " + v.StringFixed(2)
}
