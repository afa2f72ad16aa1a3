package symbols

import "strings"

// quotes ordered longest first so BTCUSDT splits as BTC/USDT, not BTC/USD+T.
var quotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// split breaks a canonical symbol like BTCUSDT into base and quote.
func split(sym string) (base, quote string, ok bool) {
	for _, q := range quotes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)], q, true
		}
	}
	return sym, "", false
}

// ToVenue converts a canonical symbol (BTCUSDT) into the venue's spot
// market notation. Binance and Bybit already use the canonical form.
func ToVenue(venue, sym string) string {
	switch strings.ToLower(venue) {
	case "kucoin", "okx":
		if base, quote, ok := split(sym); ok {
			return base + "-" + quote
		}
	}
	return sym
}

// ToCanonical converts a venue symbol back to the canonical dashless
// uppercase form used across the pipeline.
func ToCanonical(venue, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(venue) {
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}
