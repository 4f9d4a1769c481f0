package reader

import (
	"context"
	"strings"

	binance "github.com/adshao/go-binance/v2"

	"tickflow/logger"
)

// validateSymbols checks the configured symbols against the exchange's
// listed instruments and drops unknown ones. Validation failures are
// non-fatal: the configured list is used as-is when the exchange cannot be
// reached.
func (c *Connector) validateSymbols(ctx context.Context, symbols []string) []string {
	log := c.log.WithComponent("connector").WithFields(logger.Fields{"operation": "validate_symbols"})

	client := binance.NewClient("", "")
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch exchange info, skipping symbol validation")
		return symbols
	}

	valid := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		valid[s.Symbol] = struct{}{}
	}

	var filtered []string
	for _, sym := range symbols {
		upper := strings.ToUpper(strings.TrimSpace(sym))
		if _, ok := valid[upper]; ok {
			filtered = append(filtered, upper)
		} else {
			log.WithFields(logger.Fields{"symbol": sym}).Warn("unknown symbol, skipping")
		}
	}
	return filtered
}
