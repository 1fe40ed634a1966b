// Package quote provides the secondary price-by-symbol lookup used before
// falling back to the feed's own market data.
package quote

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the source could not produce a price.
var ErrUnavailable = errors.New("quote: price unavailable")

// Source looks up the current price of an underlying symbol.
type Source interface {
	// Price returns the latest price for symbol. It returns ErrUnavailable
	// (possibly wrapped) when the source has no usable price.
	Price(ctx context.Context, symbol string) (float64, error)
}
