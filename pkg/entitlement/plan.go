package entitlement

import (
	"context"
	"errors"
	"fmt"
)

// Plan describes a subscription tier: what it costs, which provider price it
// maps to, and what it entitles a user to. Plans are reference data: created
// and edited through admin tooling, only ever read here.
type Plan struct {
	ID              string   `json:"id" bson:"_id"`
	Name            string   `json:"name" bson:"name"`
	Description     string   `json:"description,omitempty" bson:"description,omitempty"`
	Price           Money    `json:"price" bson:"price"`
	ProviderPriceID string   `json:"provider_price_id,omitempty" bson:"provider_price_id,omitempty"`
	Models          []string `json:"models" bson:"models"`
	MonthlyPoints   int64    `json:"monthly_points" bson:"monthly_points"`
	Public          bool     `json:"public" bson:"public"`
}

// IsFree reports whether this is the free tier. Free plans never have a
// provider-side subscription.
func (p Plan) IsFree() bool {
	return p.Price.IsZero()
}

// PlanSource defines how plans are loaded into the reconciler.
type PlanSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// validatePlans ensures the catalog is internally consistent. Catches
// configuration errors at startup instead of mid-webhook.
func validatePlans(plans map[string]Plan) error {
	freeCount := 0
	byPrice := make(map[string]string, len(plans))

	for planID, plan := range plans {
		if plan.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, plan.ID))
		}
		if plan.Price.Amount < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative price: %d", planID, plan.Price.Amount))
		}
		if plan.MonthlyPoints < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative point allowance: %d", planID, plan.MonthlyPoints))
		}

		if plan.IsFree() {
			freeCount++
			if plan.ProviderPriceID != "" {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("free plan %s must not carry a provider price ID", planID))
			}
			continue
		}

		if plan.ProviderPriceID == "" {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("paid plan %s requires a provider price ID", planID))
		}
		if other, dup := byPrice[plan.ProviderPriceID]; dup {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plans %s and %s share provider price ID %s", other, planID, plan.ProviderPriceID))
		}
		byPrice[plan.ProviderPriceID] = planID
	}

	if freeCount != 1 {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("catalog requires exactly one free plan, found %d", freeCount))
	}

	return nil
}
