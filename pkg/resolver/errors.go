package resolver

import "errors"

var (
	// ErrUnavailable covers every resolver failure the dialogue degrades on:
	// backend errors, timeouts and an open circuit breaker.
	ErrUnavailable = errors.New("resolver unavailable")
	// ErrInvalidCatalog indicates unusable catalog data.
	ErrInvalidCatalog = errors.New("invalid catalog")
)
