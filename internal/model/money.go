package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when neither the source nor the user profile names one.
const DefaultCurrency = "USD"

// currencyExponents lists currencies whose minor unit is not 1/100.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"TND": 3,
}

// CurrencyExponent returns the number of decimal places of a currency's minor unit.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// MinorUnit returns the value of one minor unit of currency (0.01 for USD).
func MinorUnit(currency string) decimal.Decimal {
	return decimal.New(1, -CurrencyExponent(currency))
}

// RoundToMinor rounds an amount to the currency's minor unit.
func RoundToMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(CurrencyExponent(currency))
}

// NormalizeCurrency upper-cases a currency code, falling back to fallback when empty.
func NormalizeCurrency(code, fallback string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = strings.ToUpper(strings.TrimSpace(fallback))
	}
	if code == "" {
		code = DefaultCurrency
	}
	return code
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
