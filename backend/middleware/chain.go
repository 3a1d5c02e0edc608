// ABOUTME: Middleware type and the helper that stacks middleware around a handler
// ABOUTME: The first middleware given runs first

package middleware

import (
	"net/http"
	"slices"
)

// Middleware wraps a handler.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain wraps h so that mws run in the order given: Chain(h, a, b) is a(b(h)).
func Chain(h http.HandlerFunc, mws ...Middleware) http.HandlerFunc {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}
