// Package exchange converts monetary amounts from arbitrary currencies to
// USD using a point-in-time rate table derived from the ECB daily reference
// rates.
package exchange

import "log"

// Rates maps a currency code to its XYZ->USD conversion factor.
type Rates struct {
	rates map[string]float64
}

// NewRates builds a table from already-normalized XYZ->USD factors. Intended
// for tests and for callers that load a snapshot themselves.
func NewRates(usdPer map[string]float64) *Rates {
	rates := make(map[string]float64, len(usdPer)+1)
	for code, rate := range usdPer {
		rates[code] = rate
	}
	rates["USD"] = 1.0
	return &Rates{rates: rates}
}

// USD converts amount from the given currency. An unknown currency yields 0
// and a logged warning; the caller treats the message as unpaid-equivalent
// rather than failing the ingest.
func (r *Rates) USD(currency string, amount float64) float64 {
	if currency == "USD" {
		return amount
	}
	rate, ok := r.rates[currency]
	if !ok {
		log.Printf("exchange: no rate for %s", currency)
		return 0
	}
	return amount * rate
}

// Len reports how many currencies the table covers.
func (r *Rates) Len() int { return len(r.rates) }
