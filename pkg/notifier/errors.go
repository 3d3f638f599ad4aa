package notifier

import "errors"

var (
	ErrInvalidConfiguration = errors.New("notifier: invalid configuration")
	ErrInvalidPayload       = errors.New("notifier: invalid payload")
	ErrDeliveryFailed       = errors.New("notifier: alert delivery failed")
	ErrPermanentFailure     = errors.New("notifier: permanent delivery failure")
)
