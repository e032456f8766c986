package domain

import "errors"

// Rejected actions are sentinel values, not failures: the trading loop
// compares them with errors.Is, logs, and keeps running.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePosition   = errors.New("position already open for key")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrMaxPositions        = errors.New("max open positions reached")
	ErrBelowMinSize        = errors.New("position size below minimum")
	ErrInvalidSetupState   = errors.New("setup state cannot open a position")
	ErrMarketFiltered      = errors.New("market kind filtered by configuration")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrLockHeld            = errors.New("lock already held")
)
