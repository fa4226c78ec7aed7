package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict with existing record")
	ErrRateLimited           = errors.New("rate limited")
	ErrLockHeld              = errors.New("lock already held")
	ErrServiceUnavailable    = errors.New("external service unavailable")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrMarketNotInitialized  = errors.New("market not initialized")
	ErrMarketResolved        = errors.New("market already resolved")
	ErrMarketPaused          = errors.New("market paused")
	ErrOptionResolved        = errors.New("option already resolved")
	ErrWithdrawalActive      = errors.New("withdrawal already pending or processing")
	ErrWithdrawalNotPending  = errors.New("withdrawal is no longer pending")
	ErrCooldownActive        = errors.New("withdrawal cooldown active")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrQueueTimeout          = errors.New("queued operation timed out")
)
