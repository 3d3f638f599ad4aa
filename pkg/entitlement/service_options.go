package entitlement

import (
	"log/slog"
	"time"
)

// Option configures optional Reconciler collaborators.
type Option func(*Reconciler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEventDedup enables idempotent ledger writes for redelivered events.
// Without it the reconciler still converges on correct entitlement state but
// may append duplicate history entries on redelivery.
func WithEventDedup(d EventDedup) Option {
	return func(r *Reconciler) { r.dedup = d }
}

// WithAlerter routes data-integrity alerts to an ops channel.
func WithAlerter(a Alerter) Option {
	return func(r *Reconciler) { r.alerter = a }
}

// WithCheckoutURLs sets the redirect targets for hosted checkout sessions.
func WithCheckoutURLs(successURL, cancelURL string) Option {
	return func(r *Reconciler) {
		r.successURL = successURL
		r.cancelURL = cancelURL
	}
}
