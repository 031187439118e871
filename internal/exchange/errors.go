package exchange

import (
	"errors"
	"fmt"
)

// Domain errors surfaced to callers. These are never retried.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrMinOrderNotMet    = errors.New("order below exchange minimum")
	ErrOrderNotFound     = errors.New("order not found")
	ErrTradingSuspended  = errors.New("trading suspended for market")
	ErrMarketUnavailable = errors.New("market unavailable")
	ErrUnauthorized      = errors.New("authentication rejected")
)

// APIError is a typed error decoded from the exchange error payload
type APIError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	// Kind is the mapped sentinel error, nil for unrecognized names
	Kind error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %s: %s", e.Name, e.Message)
}

// Unwrap lets errors.Is match the mapped sentinel
func (e *APIError) Unwrap() error {
	return e.Kind
}

// errorNameMap maps exchange error names to domain sentinels
var errorNameMap = map[string]error{
	"insufficient_funds_bid":    ErrInsufficientFunds,
	"insufficient_funds_ask":    ErrInsufficientFunds,
	"under_min_total_bid":       ErrMinOrderNotMet,
	"under_min_total_ask":       ErrMinOrderNotMet,
	"invalid_price_bid":         ErrInvalidOrder,
	"invalid_volume_bid":        ErrInvalidOrder,
	"invalid_parameter":         ErrInvalidOrder,
	"order_not_found":           ErrOrderNotFound,
	"market_suspended":          ErrTradingSuspended,
	"market_does_not_exist":     ErrMarketUnavailable,
	"invalid_access_key":        ErrUnauthorized,
	"expired_access_key":        ErrUnauthorized,
	"no_authorization_ip":       ErrUnauthorized,
	"jwt_verification":          ErrUnauthorized,
}

// mapAPIError builds an APIError with the matching sentinel kind
func mapAPIError(name, message string) *APIError {
	return &APIError{Name: name, Message: message, Kind: errorNameMap[name]}
}

// IsAuthError reports whether err is a fatal authentication failure.
// Auth failures flip the gateway into degraded mode.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsDomainError reports whether err is a typed, non-retryable exchange error
func IsDomainError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
