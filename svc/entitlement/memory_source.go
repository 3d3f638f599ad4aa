package entitlement

import (
	"context"

	"github.com/quillchat/billing/pkg/entitlement"
)

// InMemSource serves a fixed plan catalog from memory. Useful for deployments
// that define plans in configuration or code rather than the database, and
// for tests.
type InMemSource struct {
	plans map[string]entitlement.Plan
}

// NewInMemSource creates a source from the given plans.
func NewInMemSource(plans ...entitlement.Plan) *InMemSource {
	m := make(map[string]entitlement.Plan, len(plans))
	for _, p := range plans {
		m[p.ID] = p
	}
	return &InMemSource{plans: m}
}

func (s *InMemSource) Load(_ context.Context) (map[string]entitlement.Plan, error) {
	out := make(map[string]entitlement.Plan, len(s.plans))
	for id, p := range s.plans {
		out[id] = p
	}
	return out, nil
}
