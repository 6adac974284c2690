// Package pricing computes the monetary price of a pricing-model subset.
// The resolver is pure: no I/O, deterministic for a given model and set of
// usage records.
package pricing

import (
	"fmt"
	"strings"

	"github.com/storewise/charging/internal/money"
	"github.com/storewise/charging/internal/ordering/domain"
)

// Result is the resolved amount pair, rounded to two decimal places.
type Result struct {
	Price    money.Decimal
	DutyFree money.Decimal
}

// Resolver accumulates the per-component usage attribution produced while
// resolving pay-per-use models.
type Resolver struct {
	applied []domain.AppliedComponent
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// AppliedComponents returns the usage records attributed to each
// pay-per-use component during the last Resolve call, with the partial
// amounts each component contributed.
func (r *Resolver) AppliedComponents() []domain.AppliedComponent {
	return r.applied
}

// Resolve computes the price and duty-free amount of the given model
// subset. Usage records are only consulted for pay-per-use components. If
// deductions push the total price below zero it is clamped to zero; the
// duty-free amount is left as computed.
func (r *Resolver) Resolve(model domain.PricingModel, records []domain.SDR) (Result, error) {
	price := money.Zero()
	dutyFree := money.Zero()

	for _, component := range model.SinglePayment {
		if err := accumulate(&price, &dutyFree, component.Value, component.DutyFree); err != nil {
			return Result{}, fmt.Errorf("single payment component: %w", err)
		}
	}

	for _, component := range model.Subscription {
		if err := accumulate(&price, &dutyFree, component.Value, component.DutyFree); err != nil {
			return Result{}, fmt.Errorf("subscription component: %w", err)
		}
	}

	if len(model.PayPerUse) > 0 {
		usagePrice, usageDutyFree, err := r.rateUsage(model.PayPerUse, records)
		if err != nil {
			return Result{}, err
		}
		price = price.Add(usagePrice)
		dutyFree = dutyFree.Add(usageDutyFree)
	}

	if price.IsNegative() {
		price = money.Zero()
	}

	return Result{
		Price:    price.Round2(),
		DutyFree: dutyFree.Round2(),
	}, nil
}

func (r *Resolver) rateUsage(components []domain.PriceComponent, records []domain.SDR) (money.Decimal, money.Decimal, error) {
	price := money.Zero()
	dutyFree := money.Zero()

	for _, component := range components {
		componentValue, err := money.Parse(component.Value)
		if err != nil {
			return money.Decimal{}, money.Decimal{}, fmt.Errorf("pay-per-use component %s: %w", component.Unit, err)
		}
		componentDutyFree, err := money.Parse(component.DutyFree)
		if err != nil {
			return money.Decimal{}, money.Decimal{}, fmt.Errorf("pay-per-use component %s: %w", component.Unit, err)
		}

		matched := []domain.SDR{}
		partialPrice := money.Zero()
		partialDutyFree := money.Zero()

		for _, record := range records {
			if !strings.EqualFold(record.Unit, component.Unit) {
				continue
			}
			quantity, err := money.Parse(record.Value)
			if err != nil {
				return money.Decimal{}, money.Decimal{}, fmt.Errorf("usage record %d: %w", record.CorrelationNumber, err)
			}
			matched = append(matched, record)
			partialPrice = partialPrice.Add(quantity.Mul(componentValue))
			partialDutyFree = partialDutyFree.Add(quantity.Mul(componentDutyFree))
		}

		r.applied = append(r.applied, domain.AppliedComponent{
			Component: component,
			Records:   matched,
			Price:     partialPrice.String(),
			DutyFree:  partialDutyFree.String(),
		})

		price = price.Add(partialPrice)
		dutyFree = dutyFree.Add(partialDutyFree)
	}

	return price, dutyFree, nil
}

func accumulate(price, dutyFree *money.Decimal, value, dutyFreeValue string) error {
	parsedValue, err := money.Parse(value)
	if err != nil {
		return err
	}
	parsedDutyFree, err := money.Parse(dutyFreeValue)
	if err != nil {
		return err
	}
	*price = price.Add(parsedValue)
	*dutyFree = dutyFree.Add(parsedDutyFree)
	return nil
}
