// Package clientid builds the exchange client order ids used as idempotency keys.
//
// Entry orders use the signal id, ladder rungs their own target id, and stop
// losses the signal id followed by "_stoploss" (plus the integer stop price
// when the stop was re-placed at a new level).
package clientid

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Length is the size of generated ids
const Length = 22

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const stopSuffix = "_stoploss"

// New returns a random 22 character id over [A-Za-z0-9].
// The 128 random bits of a v4 uuid fit exactly in 22 base62 digits.
func New() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	base := big.NewInt(int64(len(alphabet)))
	mod := new(big.Int)

	out := make([]byte, Length)
	for i := Length - 1; i >= 0; i-- {
		n.DivMod(n, base, mod)
		out[i] = alphabet[mod.Int64()]
	}
	return string(out)
}

// StopLoss is the id of the initial stop attached to a signal
func StopLoss(signalID string) string {
	return signalID + stopSuffix
}

// RolledStopLoss is the id of a stop re-placed at price
func RolledStopLoss(signalID string, price decimal.Decimal) string {
	return signalID + stopSuffix + price.Truncate(0).String()
}

// ManualStopLoss is the id of an operator-set stop that is not tied to the signal id
func ManualStopLoss() string {
	return New() + stopSuffix
}
