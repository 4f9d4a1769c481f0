package models

import "strings"

// Channel naming convention: trade data is published on the uppercase symbol
// itself (BTCUSDT) and depth data on the symbol with the _DEPTH suffix
// (BTCUSDT_DEPTH). The broker treats both as opaque strings; only this
// package knows the convention.
const DepthSuffix = "_DEPTH"

// NormalizeChannel folds a client-supplied channel name into canonical form.
// Normalization happens exactly once, at the boundary that receives the name.
func NormalizeChannel(channel string) string {
	return strings.ToUpper(strings.TrimSpace(channel))
}

// TradeChannel returns the bus channel for a symbol's trade stream.
func TradeChannel(symbol string) string {
	return strings.ToUpper(symbol)
}

// DepthChannel returns the bus channel for a symbol's depth stream.
func DepthChannel(symbol string) string {
	return strings.ToUpper(symbol) + DepthSuffix
}

// IsDepthChannel reports whether a canonical channel name carries depth data.
func IsDepthChannel(channel string) bool {
	return strings.HasSuffix(channel, DepthSuffix)
}
