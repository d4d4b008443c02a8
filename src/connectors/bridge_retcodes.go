package connectors

import (
	"fmt"

	"stopguard/src/engine"
)

// BridgeRetcodes maps the trade server return codes relayed by the bridge to their names.
var BridgeRetcodes = map[int]string{
	10004: "TRADE_RETCODE_REQUOTE",             // Requote
	10006: "TRADE_RETCODE_REJECT",              // Request rejected
	10007: "TRADE_RETCODE_CANCEL",              // Request canceled by trader
	10008: "TRADE_RETCODE_PLACED",              // Order placed
	10009: "TRADE_RETCODE_DONE",                // Request completed
	10010: "TRADE_RETCODE_DONE_PARTIAL",        // Only part of the request was completed
	10011: "TRADE_RETCODE_ERROR",               // Request processing error
	10012: "TRADE_RETCODE_TIMEOUT",             // Request canceled by timeout
	10013: "TRADE_RETCODE_INVALID",             // Invalid request
	10016: "TRADE_RETCODE_INVALID_STOPS",       // Invalid stops in the request
	10017: "TRADE_RETCODE_TRADE_DISABLED",      // Trade is disabled
	10018: "TRADE_RETCODE_MARKET_CLOSED",       // Market is closed
	10019: "TRADE_RETCODE_NO_MONEY",            // Not enough money
	10021: "TRADE_RETCODE_PRICE_OFF",           // No quotes to process the request
	10024: "TRADE_RETCODE_TOO_MANY_REQUESTS",   // Too frequent requests
	10025: "TRADE_RETCODE_NO_CHANGES",          // No changes in request
	10027: "TRADE_RETCODE_CLIENT_DISABLES_AT",  // Autotrading disabled by client terminal
	10029: "TRADE_RETCODE_FROZEN",              // Order or position frozen
	10031: "TRADE_RETCODE_CONNECTION",          // No connection with the trade server
	10036: "TRADE_RETCODE_POSITION_CLOSED",     // Position with the specified identifier has already been closed
	10039: "TRADE_RETCODE_CLOSE_ORDER_EXIST",   // A close order already exists
	10044: "TRADE_RETCODE_REJECT_CANCEL",       // Request rejected, order canceled
	10045: "TRADE_RETCODE_LONG_ONLY",           // Only long positions are allowed
	10046: "TRADE_RETCODE_SHORT_ONLY",          // Only short positions are allowed
	10047: "TRADE_RETCODE_CLOSE_ONLY",          // Only position closing is allowed
	10048: "TRADE_RETCODE_FIFO_CLOSE",          // Position closing is allowed only by FIFO rule
	10049: "TRADE_RETCODE_HEDGE_PROHIBITED",    // Opposite positions on a single symbol are disabled
	10028: "TRADE_RETCODE_LOCKED",              // Request locked for processing
	10030: "TRADE_RETCODE_INVALID_FILL",        // Invalid order filling type
	10032: "TRADE_RETCODE_ONLY_REAL",           // Operation is allowed only for live accounts
	10033: "TRADE_RETCODE_LIMIT_ORDERS",        // The number of pending orders has reached the limit
	10034: "TRADE_RETCODE_LIMIT_VOLUME",        // The volume of orders and positions has reached the limit
	10035: "TRADE_RETCODE_INVALID_ORDER",       // Incorrect or prohibited order type
	10038: "TRADE_RETCODE_INVALID_CLOSE_VOLUME", // A close volume exceeds the current position volume
}

// GetRetcodeMsg returns a human-readable name for a bridge return code.
// If the code is unknown, returns a generic name including the code.
func GetRetcodeMsg(code int) string {
	if msg, ok := BridgeRetcodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_RETCODE_%d", code)
}

// retcodeError converts a trade return code into nil on success or an error wrapping the
// matching engine sentinel.
func retcodeError(code int, comment string) error {
	switch code {
	case 10008, 10009, 10010, 10025:
		return nil
	case 10024:
		return fmt.Errorf("%s (%s): %w", GetRetcodeMsg(code), comment, engine.ErrRateLimited)
	case 10036:
		return fmt.Errorf("%s (%s): %w", GetRetcodeMsg(code), comment, engine.ErrPositionClosed)
	case 10016, 10029:
		return fmt.Errorf("%s (%s): %w", GetRetcodeMsg(code), comment, engine.ErrConstraintRejected)
	default:
		return fmt.Errorf("trade request failed: %s (%s)", GetRetcodeMsg(code), comment)
	}
}
