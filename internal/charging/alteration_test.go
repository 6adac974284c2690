package charging

import (
	"testing"

	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseResult(price, dutyFree string) pricing.Result {
	return pricing.Result{
		Price:    money.MustParse(price),
		DutyFree: money.MustParse(dutyFree),
	}
}

func TestAlterationScopes(t *testing.T) {
	oneTime := &domain.Alteration{Type: domain.AlterationFee, Scope: domain.ScopeOneTime}
	recurring := &domain.Alteration{Type: domain.AlterationFee, Scope: domain.ScopeRecurring}
	unscoped := &domain.Alteration{Type: domain.AlterationFee}

	assert.True(t, alterationApplies(oneTime, domain.ConceptInitial))
	assert.True(t, alterationApplies(unscoped, domain.ConceptInitial))
	assert.False(t, alterationApplies(recurring, domain.ConceptInitial))

	assert.True(t, alterationApplies(recurring, domain.ConceptRecurring))
	assert.False(t, alterationApplies(oneTime, domain.ConceptRecurring))
	assert.False(t, alterationApplies(unscoped, domain.ConceptRecurring))

	assert.False(t, alterationApplies(recurring, domain.ConceptUsage))
	assert.False(t, alterationApplies(nil, domain.ConceptInitial))
}

func TestApplyAlterationFixedFee(t *testing.T) {
	alt := &domain.Alteration{
		Type:   domain.AlterationFee,
		Amount: &domain.AlterationAmount{Value: "2.50", DutyFree: "2.07"},
	}

	result, err := applyAlteration(baseResult("10.00", "8.26"), alt)
	require.NoError(t, err)
	assert.Equal(t, "12.50", result.Price.String())
	assert.Equal(t, "10.33", result.DutyFree.String())
}

func TestApplyAlterationPercentageDiscount(t *testing.T) {
	alt := &domain.Alteration{
		Type:       domain.AlterationDiscount,
		Percentage: "10",
	}

	result, err := applyAlteration(baseResult("10.00", "8.26"), alt)
	require.NoError(t, err)
	assert.Equal(t, "9.00", result.Price.String())
	assert.Equal(t, "7.43", result.DutyFree.String())
}

func TestApplyAlterationConditionNotMet(t *testing.T) {
	alt := &domain.Alteration{
		Type:       domain.AlterationDiscount,
		Percentage: "50",
		Condition:  &domain.AlterationCondition{Op: "gt", Value: "20.00"},
	}

	base := baseResult("10.00", "8.26")
	result, err := applyAlteration(base, alt)
	require.NoError(t, err)
	assert.Equal(t, base.Price.String(), result.Price.String())
	assert.Equal(t, base.DutyFree.String(), result.DutyFree.String())
}

func TestApplyAlterationConditionMet(t *testing.T) {
	alt := &domain.Alteration{
		Type:       domain.AlterationDiscount,
		Percentage: "50",
		Condition:  &domain.AlterationCondition{Op: "ge", Value: "10.00"},
	}

	result, err := applyAlteration(baseResult("10.00", "8.26"), alt)
	require.NoError(t, err)
	assert.Equal(t, "5.00", result.Price.String())
}

func TestApplyAlterationClampsNegativePrice(t *testing.T) {
	alt := &domain.Alteration{
		Type:   domain.AlterationDiscount,
		Amount: &domain.AlterationAmount{Value: "15.00", DutyFree: "0.00"},
	}

	result, err := applyAlteration(baseResult("10.00", "8.26"), alt)
	require.NoError(t, err)
	assert.Equal(t, "0.00", result.Price.String())
}

func TestApplyAlterationRejectsUnknownShape(t *testing.T) {
	_, err := applyAlteration(baseResult("10.00", "8.26"), &domain.Alteration{
		Type:       "surcharge",
		Percentage: "10",
	})
	assert.Error(t, err)

	_, err = applyAlteration(baseResult("10.00", "8.26"), &domain.Alteration{
		Type:       domain.AlterationFee,
		Percentage: "10",
		Condition:  &domain.AlterationCondition{Op: "between", Value: "5.00"},
	})
	assert.Error(t, err)
}
