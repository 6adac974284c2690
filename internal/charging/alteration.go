package charging

import (
	"fmt"

	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/pricing"
)

// alterationApplies reports whether the alteration's scope covers the
// given charge concept. Usage charges are never altered.
func alterationApplies(alt *domain.Alteration, concept domain.ChargeConcept) bool {
	if alt == nil {
		return false
	}
	switch concept {
	case domain.ConceptInitial:
		return alt.Scope == "" || alt.Scope == domain.ScopeOneTime
	case domain.ConceptRecurring:
		return alt.Scope == domain.ScopeRecurring
	default:
		return false
	}
}

// applyAlteration adjusts the resolved base amounts with the model's fee
// or discount. The condition, when present, compares against the base
// price. A negative resulting price clamps to zero; the duty-free amount
// stays as computed.
func applyAlteration(base pricing.Result, alt *domain.Alteration) (pricing.Result, error) {
	if alt.Condition != nil {
		met, err := conditionMet(base.Price, *alt.Condition)
		if err != nil {
			return pricing.Result{}, err
		}
		if !met {
			return base, nil
		}
	}

	delta, deltaDutyFree, err := alterationAmounts(base, alt)
	if err != nil {
		return pricing.Result{}, err
	}

	result := base
	switch alt.Type {
	case domain.AlterationFee:
		result.Price = base.Price.Add(delta)
		result.DutyFree = base.DutyFree.Add(deltaDutyFree)
	case domain.AlterationDiscount:
		result.Price = base.Price.Sub(delta)
		result.DutyFree = base.DutyFree.Sub(deltaDutyFree)
	default:
		return pricing.Result{}, fmt.Errorf("unknown alteration type %q", alt.Type)
	}

	if result.Price.IsNegative() {
		result.Price = money.Zero()
	}
	result.Price = result.Price.Round2()
	result.DutyFree = result.DutyFree.Round2()
	return result, nil
}

func alterationAmounts(base pricing.Result, alt *domain.Alteration) (money.Decimal, money.Decimal, error) {
	if alt.Amount != nil {
		value, err := money.Parse(alt.Amount.Value)
		if err != nil {
			return money.Decimal{}, money.Decimal{}, fmt.Errorf("alteration amount: %w", err)
		}
		dutyFree, err := money.Parse(alt.Amount.DutyFree)
		if err != nil {
			return money.Decimal{}, money.Decimal{}, fmt.Errorf("alteration amount: %w", err)
		}
		return value, dutyFree, nil
	}

	percentage, err := money.Parse(alt.Percentage)
	if err != nil {
		return money.Decimal{}, money.Decimal{}, fmt.Errorf("alteration percentage: %w", err)
	}
	hundred := money.MustParse("100")
	return base.Price.Mul(percentage).Div(hundred), base.DutyFree.Mul(percentage).Div(hundred), nil
}

func conditionMet(price money.Decimal, condition domain.AlterationCondition) (bool, error) {
	threshold, err := money.Parse(condition.Value)
	if err != nil {
		return false, fmt.Errorf("alteration condition: %w", err)
	}
	cmp := price.Cmp(threshold)
	switch condition.Op {
	case "eq":
		return cmp == 0, nil
	case "lt":
		return cmp < 0, nil
	case "le":
		return cmp <= 0, nil
	case "gt":
		return cmp > 0, nil
	case "ge":
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("unknown alteration condition op %q", condition.Op)
	}
}
