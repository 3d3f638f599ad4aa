package entitlement

import "errors"

var (
	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load subscription plans")
	ErrFreePlanNotPurchasable   = errors.New("free plan cannot be purchased")

	ErrUserNotFound       = errors.New("user entitlement record not found")
	ErrUnknownCustomer    = errors.New("no user bound to provider customer")
	ErrVersionConflict    = errors.New("entitlement record was modified concurrently")
	ErrAlreadyOnPlan      = errors.New("user is already on the requested plan")
	ErrPeriodNotElapsed   = errors.New("current billing period has not elapsed")
	ErrPointsExhausted    = errors.New("monthly point allowance exhausted")
	ErrNoProviderCustomer = errors.New("no payment provider customer on record")

	ErrInvalidEvent          = errors.New("provider event failed validation")
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrProviderUnavailable   = errors.New("payment provider request failed")
)
